package accessory

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// Descriptor identifies a discovered accessory. It is an immutable value;
// a new discovery produces a new Descriptor.
type Descriptor struct {
	Path      string // required: device node, e.g. /dev/ttyACM0
	Serial    string // USB serial number, compared against Config.ExpectedSerial
	VendorID  string // optional
	ProductID string // optional
	Product   string // optional
}

// String returns a short form suitable for log lines.
func (d Descriptor) String() string {
	if d.VendorID != "" {
		return fmt.Sprintf("%s (serial=%s %s:%s)", d.Path, d.Serial, d.VendorID, d.ProductID)
	}
	return fmt.Sprintf("%s (serial=%s)", d.Path, d.Serial)
}

// Transport is an open duplex byte stream to an accessory. Close must be
// idempotent and must unblock a pending Read.
type Transport interface {
	io.ReadWriteCloser
}

// Discoverer returns the accessories currently attached. Only the first
// entry is ever used.
type Discoverer interface {
	Accessories(ctx context.Context) ([]Descriptor, error)
}

// PermissionProvider asks the platform whether an accessory may be opened.
// RequestPermission must return promptly and invoke resolve exactly once,
// from any goroutine.
type PermissionProvider interface {
	HasPermission(d Descriptor) bool
	RequestPermission(d Descriptor, resolve func(granted bool, d *Descriptor))
}

// TransportFactory opens a Transport for an accessory.
type TransportFactory interface {
	Open(d Descriptor) (Transport, error)
}

// DetachNotifier arms a detach signal for a connected accessory. onDetach is
// called at most once per physical detach. The returned stop func disarms it
// and is safe to call more than once.
type DetachNotifier interface {
	Watch(d Descriptor, onDetach func()) (stop func(), err error)
}

// Dependencies are the platform collaborators consumed by a Manager.
// Discoverer, Permissions and Factory are required.
type Dependencies struct {
	Discoverer  Discoverer
	Permissions PermissionProvider
	Factory     TransportFactory
	Detach      DetachNotifier // optional
	Logger      *zerolog.Logger
}

func (d Dependencies) validate() error {
	switch {
	case d.Discoverer == nil:
		return fmt.Errorf("%w: discoverer required", ErrInvalidConfig)
	case d.Permissions == nil:
		return fmt.Errorf("%w: permission provider required", ErrInvalidConfig)
	case d.Factory == nil:
		return fmt.Errorf("%w: transport factory required", ErrInvalidConfig)
	}
	return nil
}
