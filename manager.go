package accessory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager owns the connection to a single accessory: discovery, permission,
// open, identity check, read loop and teardown.
//
// All state transitions happen under mu. Operations never block on I/O;
// results arrive through the EventSink.
type Manager struct {
	cfg    Config
	deps   Dependencies
	log    zerolog.Logger
	events *dispatcher
	perms  *negotiator

	mu          sync.Mutex
	state       State
	epoch       uint64 // bumped on every teardown; stale callbacks compare against it
	attempts    int
	attemptID   string
	discovering bool
	accessory   *Descriptor
	pending     *PermissionRequest
	handle      Transport
	worker      *readWorker
	stopWatch   func()
	shutdown    bool

	// Background goroutines: open, permission requests, sends, read loops.
	wg sync.WaitGroup
}

// NewManager creates a manager in StateIdle. sink may be nil.
func NewManager(cfg Config, deps Dependencies, sink EventSink) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	logger := zerolog.Nop()
	if deps.Logger != nil {
		logger = *deps.Logger
	}

	return &Manager{
		cfg:    cfg,
		deps:   deps,
		log:    logger.With().Str("component", "accessory").Logger(),
		events: newDispatcher(sink),
		perms:  newNegotiator(deps.Permissions),
		state:  StateIdle,
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Accessory returns the accessory of the current attempt, if any.
func (m *Manager) Accessory() (Descriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accessory == nil {
		return Descriptor{}, false
	}
	return *m.accessory, true
}

// Connect discovers the attached accessory and starts connecting to it.
// It returns ErrBusy unless the manager is idle. Finding no accessory is
// reported to the sink as ErrNoAccessory and is not an error here.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrShutdown
	}
	if m.state != StateIdle || m.discovering {
		busy := m.state.String()
		if m.discovering {
			busy = "discovering"
		}
		m.mu.Unlock()
		m.log.Warn().Str("state", busy).Msg("Connect rejected")
		m.events.log("!connect rejected: " + busy)
		return ErrBusy
	}

	m.teardownLocked()
	m.attempts++
	m.attemptID = uuid.New().String()
	m.discovering = true
	attempt := m.attempts
	epoch := m.epoch
	m.mu.Unlock()

	m.log.Debug().Int("attempt", attempt).Msg("Discovering accessories")

	if m.cfg.DiscoveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.DiscoveryTimeout)
		defer cancel()
	}
	found, err := m.deps.Discoverer.Accessories(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrShutdown
	}
	if m.epoch != epoch {
		// Disconnect arrived while discovering.
		m.events.log(fmt.Sprintf("!connect[%d] aborted", attempt))
		return ErrAborted
	}
	m.discovering = false

	if err != nil {
		m.log.Warn().Err(err).Int("attempt", attempt).Msg("Discovery failed")
		m.events.log(fmt.Sprintf("!connect[%d] discovery failed: %v", attempt, err))
		m.events.accessoryError(ErrNoAccessory)
		return fmt.Errorf("discover: %w", err)
	}

	m.events.log(fmt.Sprintf("+connect[%d] found=%d", attempt, len(found)))
	if len(found) == 0 {
		m.log.Info().Int("attempt", attempt).Msg("No accessory attached")
		m.events.log("!accessory: none")
		m.events.accessoryError(ErrNoAccessory)
		return nil
	}
	if len(found) > 1 {
		m.log.Debug().Int("ignored", len(found)-1).Msg("Using first accessory only")
	}

	acc := found[0]
	m.accessory = &acc
	if m.perms.hasPermission(acc) {
		m.openLocked(acc)
		return nil
	}

	req := m.perms.newRequest(acc, m.epoch)
	m.pending = req
	m.setStateLocked(StateAwaitingPermission)
	m.log.Info().
		Str("request_id", req.ID).
		Str("serial", acc.Serial).
		Str("path", acc.Path).
		Msg("Requesting permission")
	m.events.log("=requestPermission " + acc.String())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.perms.issue(req, m.resolvePermission)
	}()
	return nil
}

// OnPermissionResolved resolves the outstanding permission request. It is
// ignored unless the manager is awaiting permission. A grant naming a
// different device path than the one requested counts as a denial. Providers wired through
// Dependencies do not need to call it; it exists for hosts that receive the
// platform's answer themselves.
func (m *Manager) OnPermissionResolved(granted bool, acc *Descriptor) {
	m.mu.Lock()
	req := m.pending
	m.mu.Unlock()

	if req == nil {
		m.log.Debug().Bool("granted", granted).Msg("Permission result without pending request ignored")
		return
	}
	req.once.Do(func() {
		m.resolvePermission(req, granted, acc)
	})
}

func (m *Manager) resolvePermission(req *PermissionRequest, granted bool, acc *Descriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown || m.state != StateAwaitingPermission || m.pending != req || m.epoch != req.epoch {
		m.log.Debug().Str("request_id", req.ID).Msg("Stale permission result ignored")
		return
	}
	m.pending = nil

	if !granted || acc == nil {
		m.log.Info().Str("request_id", req.ID).Msg("Permission denied")
		m.events.log("!permission denied")
		m.failLocked(ErrPermissionDenied)
		return
	}
	if acc.Path != req.Accessory.Path {
		m.log.Warn().
			Str("request_id", req.ID).
			Str("requested", req.Accessory.Path).
			Str("granted", acc.Path).
			Msg("Permission granted for a different accessory")
		m.events.log("!permission for " + acc.Path + ", requested " + req.Accessory.Path)
		m.failLocked(ErrPermissionDenied)
		return
	}
	m.log.Info().Str("request_id", req.ID).Msg("Permission granted")
	m.openLocked(req.Accessory)
}

// Open opens an accessory directly, bypassing discovery and permission.
// It is accepted when idle or awaiting permission; in the latter case the
// outstanding request is dropped. The identity check still applies.
func (m *Manager) Open(acc Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrShutdown
	}
	switch {
	case m.state == StateAwaitingPermission:
		m.pending = nil
	case m.state != StateIdle || m.discovering:
		m.events.log("!open rejected: " + m.state.String())
		return ErrBusy
	default:
		m.attempts++
		m.attemptID = uuid.New().String()
	}
	m.openLocked(acc)
	return nil
}

func (m *Manager) openLocked(acc Descriptor) {
	m.accessory = &acc
	m.setStateLocked(StateOpening)
	m.events.log("+openAccessory: serial=" + acc.Serial)

	epoch := m.epoch
	m.wg.Add(1)
	go m.open(acc, epoch)
}

// open runs the transport factory off the caller's goroutine and completes
// the transition to Connected or back to Idle.
func (m *Manager) open(acc Descriptor, epoch uint64) {
	defer m.wg.Done()

	h, err := m.deps.Factory.Open(acc)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.epoch != epoch || m.state != StateOpening {
		if h != nil {
			h.Close()
		}
		m.log.Debug().Str("path", acc.Path).Msg("Open superseded by teardown")
		return
	}

	logger := m.log.With().
		Int("attempt", m.attempts).
		Str("attempt_id", m.attemptID).
		Str("serial", acc.Serial).
		Str("path", acc.Path).
		Logger()

	if err != nil || h == nil {
		logger.Error().Err(err).Msg("Open failed")
		m.events.log(fmt.Sprintf("!open failed: %v", err))
		m.failLocked(ErrOpenFailed)
		return
	}
	if acc.Serial != m.cfg.ExpectedSerial {
		if cerr := h.Close(); cerr != nil {
			logger.Debug().Err(cerr).Msg("Close after identity mismatch")
		}
		logger.Error().Str("expected", m.cfg.ExpectedSerial).Msg("Accessory identity mismatch")
		m.events.log("!serial illegal: " + acc.Serial)
		m.failLocked(ErrIdentityMismatch)
		return
	}

	m.handle = h
	m.setStateLocked(StateConnected)
	logger.Info().Msg("Accessory connected")
	m.events.log("-openAccessory")

	w := &readWorker{}
	m.worker = w
	m.wg.Add(1)
	go m.readLoop(w, h, epoch)

	if m.deps.Detach != nil {
		stop, werr := m.deps.Detach.Watch(acc, func() { m.linkLost(epoch, "detach signal") })
		if werr != nil {
			logger.Warn().Err(werr).Msg("Detach watcher unavailable")
		} else {
			m.stopWatch = stop
		}
	}
}

// Send writes data to the accessory on a background goroutine. It returns
// ErrNotReady, without touching the transport, unless connected.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrShutdown
	}
	if m.state != StateConnected || m.handle == nil {
		m.mu.Unlock()
		m.events.log("!not ready")
		return ErrNotReady
	}
	if len(data) == 0 {
		m.mu.Unlock()
		m.events.log("!empty message")
		return ErrEmptyMessage
	}
	h := m.handle
	payload := make([]byte, len(data))
	copy(payload, data)
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		if _, err := h.Write(payload); err != nil {
			// Outbound failures do not end the connection; only the read
			// side decides the link is dead.
			m.log.Warn().Err(err).Int("bytes", len(payload)).Msg("Send failed")
			m.events.post(func(s EventSink) { s.OnSendFailed(err) })
			return
		}
		m.events.post(func(s EventSink) { s.OnSendComplete() })
	}()
	return nil
}

// Detached reports that the accessory was unplugged. It is handled exactly
// like a read failure; repeated signals are ignored.
func (m *Manager) Detached() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateIdle {
		return
	}
	m.log.Warn().
		Str("reason", "detached").
		Str("state", m.state.String()).
		Str("attempt_id", m.attemptID).
		Msg("Accessory link lost")
	m.events.log("=onDetached")
	m.teardownLocked()
	m.events.accessoryError(ErrDetached)
}

// linkLost tears down the connection identified by epoch. Only the first
// of several concurrent triggers has any effect.
func (m *Manager) linkLost(epoch uint64, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.epoch != epoch || m.state != StateConnected {
		return
	}
	m.log.Warn().Str("reason", reason).Str("attempt_id", m.attemptID).Msg("Accessory link lost")
	m.events.log("=onDetached: " + reason)
	m.teardownLocked()
	m.events.accessoryError(ErrDetached)
}

// Disconnect tears down any connection or attempt. Safe from any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle || m.discovering {
		m.events.log("=disconnect")
	}
	m.teardownLocked()
}

// Shutdown tears down the connection, waits for background goroutines and
// stops event delivery after the queued events are delivered. Every later
// operation returns ErrShutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	m.teardownLocked()
	m.mu.Unlock()

	m.perms.stop()
	m.wg.Wait()
	m.log.Debug().Msg("Manager shut down")
	m.events.log("=shutdown")
	m.events.close()
}

// failLocked ends the current attempt with a terminal error.
func (m *Manager) failLocked(kind ErrorKind) {
	m.teardownLocked()
	m.events.accessoryError(kind)
}

// teardownLocked is the idempotent reset shared by every teardown path:
// stop the read worker, disarm detach, close the handle, return to Idle.
func (m *Manager) teardownLocked() {
	if m.state == StateConnected {
		m.setStateLocked(StateClosing)
	}
	if w := m.worker; w != nil {
		w.stop.Store(true)
		m.worker = nil
	}
	if m.stopWatch != nil {
		m.stopWatch()
		m.stopWatch = nil
	}
	if h := m.handle; h != nil {
		m.handle = nil
		if err := h.Close(); err != nil {
			m.log.Debug().Err(err).Msg("Transport close")
		}
	}
	m.pending = nil
	m.accessory = nil
	m.discovering = false
	m.epoch++
	m.setStateLocked(StateIdle)
}

func (m *Manager) setStateLocked(s State) {
	old := m.state
	if old == s {
		return
	}
	m.state = s
	m.log.Debug().
		Str("from", old.String()).
		Str("to", s.String()).
		Int("attempt", m.attempts).
		Msg("Accessory state changed")
	m.events.stateChange(old, s)
}
