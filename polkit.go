package accessory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// DefaultPolkitAction is the polkit action checked before opening an accessory.
const DefaultPolkitAction = "io.github.luhtfiimanal.accessory.open"

const (
	polkitService   = "org.freedesktop.PolicyKit1"
	polkitPath      = "/org/freedesktop/PolicyKit1/Authority"
	polkitAuthority = "org.freedesktop.PolicyKit1.Authority"

	polkitAllowUserInteraction uint32 = 1
)

// PolkitAuthorizer is a PermissionProvider backed by polkit on the system
// bus. Grants are cached per serial for the lifetime of the authorizer.
type PolkitAuthorizer struct {
	Action string
	Logger zerolog.Logger

	conn *dbus.Conn

	mu      sync.Mutex
	granted map[string]bool
}

var _ PermissionProvider = (*PolkitAuthorizer)(nil)

// polkitSubject is marshalled as (sa{sv}).
type polkitSubject struct {
	Kind    string
	Details map[string]dbus.Variant
}

// polkitResult is unmarshalled from (bba{ss}).
type polkitResult struct {
	IsAuthorized bool
	IsChallenge  bool
	Details      map[string]string
}

// NewPolkitAuthorizer connects to the system bus.
func NewPolkitAuthorizer(action string, logger zerolog.Logger) (*PolkitAuthorizer, error) {
	if action == "" {
		action = DefaultPolkitAction
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("polkit: connect system bus: %w", err)
	}
	return &PolkitAuthorizer{
		Action:  action,
		Logger:  logger,
		conn:    conn,
		granted: make(map[string]bool),
	}, nil
}

// Close releases the bus connection.
func (a *PolkitAuthorizer) Close() error {
	return a.conn.Close()
}

// HasPermission reports a cached grant; it never blocks on the bus.
func (a *PolkitAuthorizer) HasPermission(d Descriptor) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.granted[d.Serial]
}

// RequestPermission runs an interactive CheckAuthorization in the background.
func (a *PolkitAuthorizer) RequestPermission(d Descriptor, resolve func(granted bool, d *Descriptor)) {
	go func() {
		ok, err := a.check(d, true)
		if err != nil {
			a.Logger.Warn().Err(err).Str("serial", d.Serial).Msg("Polkit check failed")
		}
		if !ok {
			resolve(false, nil)
			return
		}
		a.mu.Lock()
		a.granted[d.Serial] = true
		a.mu.Unlock()
		resolve(true, &d)
	}()
}

func (a *PolkitAuthorizer) check(d Descriptor, interactive bool) (bool, error) {
	names := a.conn.Names()
	if len(names) == 0 {
		return false, errors.New("polkit: no unique bus name")
	}
	subject := polkitSubject{
		Kind:    "system-bus-name",
		Details: map[string]dbus.Variant{"name": dbus.MakeVariant(names[0])},
	}
	details := map[string]string{
		"serial": d.Serial,
		"device": d.Path,
	}
	var flags uint32
	if interactive {
		flags = polkitAllowUserInteraction
	}

	obj := a.conn.Object(polkitService, dbus.ObjectPath(polkitPath))
	call := obj.Call(polkitAuthority+".CheckAuthorization", 0, subject, a.Action, details, flags, "")
	if call.Err != nil {
		return false, fmt.Errorf("polkit: CheckAuthorization: %w", call.Err)
	}
	var res polkitResult
	if err := call.Store(&res); err != nil {
		return false, fmt.Errorf("polkit: decode CheckAuthorization: %w", err)
	}
	return res.IsAuthorized, nil
}
