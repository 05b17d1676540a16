package chdomain

import (
	"errors"
	"fmt"

	"github.com/terabiome/chvirt/internal/chardev"
	"github.com/terabiome/chvirt/internal/contracts"
	"github.com/terabiome/chvirt/internal/virterror"
)

// Private is the driver specific state of one instance.
type Private struct {
	chrdevs     *chardev.Chrdevs
	driver      *Driver
	monitor     contracts.Monitor
	machineName string
	vcpus       []*VcpuPrivate
}

// VcpuPrivate is the driver specific state of one vCPU slot. TID is 0 until
// the thread backing the vCPU has been seen.
type VcpuPrivate struct {
	TID int
}

// AllocPrivate creates the private state for a new instance. Nothing is
// kept if the character device multiplexer cannot be created.
func AllocPrivate(driver *Driver) (*Private, error) {
	chrdevs, err := chardev.New(driver.Fs, driver.ChardevLockDir)
	if err != nil {
		return nil, virterror.Wrap(virterror.KindAllocationError, err, "could not allocate character devices")
	}

	return &Private{
		chrdevs: chrdevs,
		driver:  driver,
	}, nil
}

// NewVcpuPrivate returns an empty vCPU record.
func NewVcpuPrivate() *VcpuPrivate {
	return &VcpuPrivate{}
}

// Free releases everything the private state owns.
func (p *Private) Free() error {
	var errs []error

	if p.monitor != nil {
		if err := p.monitor.Close(); err != nil {
			errs = append(errs, fmt.Errorf("could not close monitor: %w", err))
		}
		p.monitor = nil
	}
	if p.chrdevs != nil {
		if err := p.chrdevs.Free(); err != nil {
			errs = append(errs, err)
		}
		p.chrdevs = nil
	}
	p.machineName = ""
	p.vcpus = nil

	return errors.Join(errs...)
}

func (p *Private) Driver() *Driver {
	return p.driver
}

// Vcpu returns the record of the vCPU slot with the given logical index.
func (p *Private) Vcpu(id uint) (*VcpuPrivate, bool) {
	if int(id) >= len(p.vcpus) {
		return nil, false
	}
	return p.vcpus[id], true
}
