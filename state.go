package accessory

// State is the connection state owned by a Manager.
type State uint8

const (
	// StateIdle indicates no connection and no attempt in progress.
	StateIdle State = iota

	// StateAwaitingPermission indicates a permission request is outstanding.
	StateAwaitingPermission

	// StateOpening indicates the transport is being opened.
	StateOpening

	// StateConnected indicates a live, identity-checked connection.
	StateConnected

	// StateClosing indicates a teardown of a live connection is in progress.
	StateClosing
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingPermission:
		return "AWAITING_PERMISSION"
	case StateOpening:
		return "OPENING"
	case StateConnected:
		return "CONNECTED"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}
