package chdomain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	machineNameMaxLen = 64
	hostnameChars     = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-"
)

// ResolveMachineName returns the machine name of an instance and caches it
// in the private state. A running instance is looked up in the machine
// naming service first; when that has no answer the name is generated.
// It never fails.
func ResolveMachineName(ctx context.Context, inst *Instance) string {
	priv := inst.private
	if priv == nil {
		return GenerateMachineName(DriverName, inst.Def.ID, inst.Def.Name, true, "")
	}
	driver := priv.driver

	var name string
	if inst.PID != 0 && driver.Namer != nil {
		var err error
		name, err = driver.Namer.GetMachineNameByPID(ctx, inst.PID)
		if err != nil {
			driver.Logger.Debug("machine name lookup failed, generating one",
				slog.String("domain", inst.Def.Name),
				slog.Int("pid", inst.PID),
				slog.String("error", err.Error()),
			)
			name = ""
		}
	}

	if name == "" {
		name = GenerateMachineName(DriverName, inst.Def.ID, inst.Def.Name, driver.Privileged, driver.User)
	}

	priv.machineName = name
	return name
}

// MachineName returns the cached machine name, empty if never resolved.
func MachineName(inst *Instance) string {
	if inst.private == nil {
		return ""
	}
	return inst.private.machineName
}

// GenerateMachineName builds "<driver>-[<user>-]<id>-<name>", keeping only
// hostname characters of the domain name and capping the result at 64
// bytes. The user part is only added for unprivileged drivers.
func GenerateMachineName(driver string, id int, name string, privileged bool, user string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s-", driver)
	if !privileged {
		fmt.Fprintf(&b, "%s-", user)
	}
	fmt.Fprintf(&b, "%d-", id)

	skip := true
	for _, r := range name {
		if b.Len() >= machineNameMaxLen {
			break
		}

		if r == '.' || r == '-' {
			if !skip {
				b.WriteRune(r)
			}
			skip = true
			continue
		}

		skip = false
		if !strings.ContainsRune(hostnameChars, r) {
			continue
		}
		b.WriteRune(r)
	}

	return strings.TrimRight(b.String(), "-.")
}
