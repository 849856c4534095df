// Package usbresolve resolves a "vendor:product" USB id (device.usb-id in
// spec.md §6) to the concrete serial device path the host currently exposes
// it as, so the proxy does not need a hardcoded /dev path across reboots or
// USB re-enumeration.
package usbresolve

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// ErrNoMatch is returned when no attached USB serial device matches the
// requested vendor:product pair.
type ErrNoMatch struct {
	VendorProduct string
}

func (e *ErrNoMatch) Error() string {
	return fmt.Sprintf("usbresolve: no attached device matches %s", e.VendorProduct)
}

// ErrAmbiguous is returned when more than one attached device matches, since
// there is no principled way to pick between them.
type ErrAmbiguous struct {
	VendorProduct string
	Paths         []string
}

func (e *ErrAmbiguous) Error() string {
	return fmt.Sprintf("usbresolve: %d devices match %s: %s", len(e.Paths), e.VendorProduct, strings.Join(e.Paths, ", "))
}

// Resolve takes a "vendor:product" pair (hex, e.g. "303a:4001") and returns
// the matching port path (e.g. "/dev/ttyUSB0"). It is an error for zero or
// more than one attached port to match.
func Resolve(vendorProduct string) (string, error) {
	vid, pid, err := splitVendorProduct(vendorProduct)
	if err != nil {
		return "", err
	}

	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("usbresolve: list ports: %w", err)
	}

	var matches []string
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		if strings.EqualFold(p.VID, vid) && strings.EqualFold(p.PID, pid) {
			matches = append(matches, p.Name)
		}
	}

	switch len(matches) {
	case 0:
		return "", &ErrNoMatch{VendorProduct: vendorProduct}
	case 1:
		return matches[0], nil
	default:
		return "", &ErrAmbiguous{VendorProduct: vendorProduct, Paths: matches}
	}
}

func splitVendorProduct(s string) (vid, pid string, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("usbresolve: malformed vendor:product %q, want e.g. 303a:4001", s)
	}
	return parts[0], parts[1], nil
}
