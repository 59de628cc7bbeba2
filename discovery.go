package accessory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.bug.st/serial/enumerator"
)

// SerialDiscoverer finds USB serial accessories through the platform port
// enumerator. Ports without a USB serial number are skipped unless Device
// names them.
type SerialDiscoverer struct {
	// Device, when set, restricts discovery to that tty path and waives the
	// USB serial number requirement for it.
	Device string

	// VendorID and ProductID, when set, must match (case-insensitive hex).
	VendorID  string
	ProductID string

	list func() ([]*enumerator.PortDetails, error)
}

var _ Discoverer = (*SerialDiscoverer)(nil)

// NewSerialDiscoverer returns a discoverer configured from cfg.
func NewSerialDiscoverer(cfg Config) *SerialDiscoverer {
	return &SerialDiscoverer{
		Device:    cfg.Device,
		VendorID:  cfg.VendorID,
		ProductID: cfg.ProductID,
	}
}

// Accessories returns matching ports sorted by path.
func (d *SerialDiscoverer) Accessories(ctx context.Context) ([]Descriptor, error) {
	list := d.list
	if list == nil {
		list = enumerator.GetDetailedPortsList
	}

	type result struct {
		ports []*enumerator.PortDetails
		err   error
	}
	ch := make(chan result, 1)

	// The enumerator does not take a context, so race it against ctx.
	go func() {
		ports, err := list()
		ch <- result{ports: ports, err: err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r = <-ch:
	}
	if r.err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", r.err)
	}

	var out []Descriptor
	for _, p := range r.ports {
		if p == nil || !d.matches(p) {
			continue
		}
		out = append(out, Descriptor{
			Path:      p.Name,
			Serial:    p.SerialNumber,
			VendorID:  strings.ToLower(p.VID),
			ProductID: strings.ToLower(p.PID),
			Product:   p.Product,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (d *SerialDiscoverer) matches(p *enumerator.PortDetails) bool {
	if d.Device != "" {
		// An explicit node is kept even when the enumerator cannot describe it
		// as USB; a missing serial then fails the identity check on open.
		if p.Name != d.Device {
			return false
		}
	} else if !p.IsUSB || p.SerialNumber == "" {
		return false
	}
	if d.VendorID != "" && !strings.EqualFold(p.VID, d.VendorID) {
		return false
	}
	if d.ProductID != "" && !strings.EqualFold(p.PID, d.ProductID) {
		return false
	}
	return true
}

// StaticDiscoverer reports a fixed set of accessories, keeping only those
// whose device node currently exists.
type StaticDiscoverer []Descriptor

var _ Discoverer = StaticDiscoverer(nil)

// Accessories returns the entries whose Path exists.
func (s StaticDiscoverer) Accessories(ctx context.Context) ([]Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Descriptor
	for _, d := range s {
		if _, err := os.Stat(d.Path); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// SerialFactory opens accessories as raw ttys.
type SerialFactory struct {
	BaudRate int
}

var _ TransportFactory = SerialFactory{}

// Open opens d.Path with the factory's baud rate.
func (f SerialFactory) Open(d Descriptor) (Transport, error) {
	p, err := OpenPort(PortConfig{Device: d.Path, BaudRate: f.BaudRate})
	if err != nil {
		return nil, err
	}
	return p, nil
}
