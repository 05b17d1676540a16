package libvirt

import (
	"context"
	"fmt"
	"log/slog"

	"libvirt.org/go/libvirt"

	pkglibvirt "github.com/terabiome/chvirt/pkg/libvirt"
)

// DomainRecord is a domain known to libvirt, as needed to re-create an
// instance from it.
type DomainRecord struct {
	Name       string
	XML        string
	Persistent bool
	Active     bool
}

// Manager reads host and domain state from libvirt.
type Manager struct {
	connManager *pkglibvirt.ConnectionManager
	logger      *slog.Logger
}

func NewManager(connManager *pkglibvirt.ConnectionManager, logger *slog.Logger) *Manager {
	return &Manager{
		connManager: connManager,
		logger:      logger.With(slog.String("component", "libvirt")),
	}
}

// GetCapabilities returns the host capabilities XML.
func (m *Manager) GetCapabilities() (string, error) {
	conn, unlock, err := m.connManager.GetConnection()
	if err != nil {
		return "", fmt.Errorf("failed to get hypervisor connection: %w", err)
	}
	defer unlock()

	caps, err := conn.GetCapabilities()
	if err != nil {
		return "", fmt.Errorf("could not read host capabilities: %w", err)
	}
	m.logger.Debug("read host capabilities")
	return caps, nil
}

// LookupDomainXML returns the inactive XML of the named domain.
func (m *Manager) LookupDomainXML(name string) (string, error) {
	conn, unlock, err := m.connManager.GetConnection()
	if err != nil {
		return "", fmt.Errorf("failed to get hypervisor connection: %w", err)
	}
	defer unlock()

	domain, err := conn.LookupDomainByName(name)
	if err != nil {
		return "", fmt.Errorf("could not look up domain by name: %w", err)
	}
	defer domain.Free()

	xml, err := domain.GetXMLDesc(libvirt.DOMAIN_XML_INACTIVE)
	if err != nil {
		return "", fmt.Errorf("could not read domain XML: %w", err)
	}
	return xml, nil
}

// ListDomains returns every domain libvirt knows about.
func (m *Manager) ListDomains(ctx context.Context) ([]DomainRecord, error) {
	conn, unlock, err := m.connManager.GetConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to get hypervisor connection: %w", err)
	}
	defer unlock()

	domains, err := conn.ListAllDomains(0)
	if err != nil {
		return nil, fmt.Errorf("could not list domains: %w", err)
	}
	defer func() {
		for i := range domains {
			domains[i].Free()
		}
	}()

	records := make([]DomainRecord, 0, len(domains))
	for i := range domains {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		record, err := toRecord(&domains[i])
		if err != nil {
			m.logger.Warn("skipping domain", slog.String("error", err.Error()))
			continue
		}
		records = append(records, record)
	}

	m.logger.Debug("listed domains", slog.Int("count", len(records)))
	return records, nil
}

func toRecord(domain *libvirt.Domain) (DomainRecord, error) {
	name, err := domain.GetName()
	if err != nil {
		return DomainRecord{}, fmt.Errorf("could not get domain name: %w", err)
	}

	xml, err := domain.GetXMLDesc(0)
	if err != nil {
		return DomainRecord{}, fmt.Errorf("could not read XML of %s: %w", name, err)
	}

	persistent, err := domain.IsPersistent()
	if err != nil {
		return DomainRecord{}, fmt.Errorf("could not read persistence of %s: %w", name, err)
	}

	active, err := domain.IsActive()
	if err != nil {
		return DomainRecord{}, fmt.Errorf("could not read state of %s: %w", name, err)
	}

	return DomainRecord{
		Name:       name,
		XML:        xml,
		Persistent: persistent,
		Active:     active,
	}, nil
}
