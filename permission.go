package accessory

import (
	"sync"

	"github.com/google/uuid"
)

// PermissionRequest correlates one outstanding permission request with the
// accessory it targets. It is resolved exactly once.
type PermissionRequest struct {
	ID        string
	Accessory Descriptor

	epoch uint64
	once  sync.Once
}

// negotiator issues permission requests through a PermissionProvider and
// funnels each resolution back to the manager exactly once.
type negotiator struct {
	provider PermissionProvider

	mu      sync.Mutex
	stopped bool
}

func newNegotiator(p PermissionProvider) *negotiator {
	return &negotiator{provider: p}
}

func (n *negotiator) hasPermission(d Descriptor) bool {
	return n.provider.HasPermission(d)
}

func (n *negotiator) newRequest(d Descriptor, epoch uint64) *PermissionRequest {
	return &PermissionRequest{
		ID:        uuid.New().String(),
		Accessory: d,
		epoch:     epoch,
	}
}

// issue asks the provider for authorization. deliver runs at most once per
// request, on whatever goroutine the provider resolves from, and never after
// stop.
func (n *negotiator) issue(req *PermissionRequest, deliver func(req *PermissionRequest, granted bool, d *Descriptor)) {
	n.provider.RequestPermission(req.Accessory, func(granted bool, acc *Descriptor) {
		req.once.Do(func() {
			if n.isStopped() {
				return
			}
			deliver(req, granted, acc)
		})
	})
}

func (n *negotiator) isStopped() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stopped
}

func (n *negotiator) stop() {
	n.mu.Lock()
	n.stopped = true
	n.mu.Unlock()
}

// ManualPermissions is a PermissionProvider answered by an operator, e.g. a
// console prompt. Granted serials are remembered for the process lifetime.
type ManualPermissions struct {
	// OnRequest, if set, is called when a request becomes pending.
	OnRequest func(d Descriptor)

	mu      sync.Mutex
	granted map[string]bool
	pending *manualRequest
}

type manualRequest struct {
	accessory Descriptor
	resolve   func(granted bool, d *Descriptor)
}

var _ PermissionProvider = (*ManualPermissions)(nil)

// HasPermission reports whether the accessory's serial was granted before.
func (p *ManualPermissions) HasPermission(d Descriptor) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted[d.Serial]
}

// Grant marks a serial as permitted without a request.
func (p *ManualPermissions) Grant(serial string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.granted == nil {
		p.granted = make(map[string]bool)
	}
	p.granted[serial] = true
}

// RequestPermission records the request as pending. A previous pending
// request is denied.
func (p *ManualPermissions) RequestPermission(d Descriptor, resolve func(granted bool, d *Descriptor)) {
	p.mu.Lock()
	prev := p.pending
	p.pending = &manualRequest{accessory: d, resolve: resolve}
	onRequest := p.OnRequest
	p.mu.Unlock()

	if prev != nil {
		go prev.resolve(false, nil)
	}
	if onRequest != nil {
		onRequest(d)
	}
}

// Pending returns the accessory awaiting an answer, if any.
func (p *ManualPermissions) Pending() (Descriptor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return Descriptor{}, false
	}
	return p.pending.accessory, true
}

// Answer resolves the pending request asynchronously.
func (p *ManualPermissions) Answer(granted bool) error {
	p.mu.Lock()
	req := p.pending
	p.pending = nil
	if req != nil && granted {
		if p.granted == nil {
			p.granted = make(map[string]bool)
		}
		p.granted[req.accessory.Serial] = true
	}
	p.mu.Unlock()

	if req == nil {
		return ErrNoPending
	}
	if granted {
		acc := req.accessory
		go req.resolve(true, &acc)
	} else {
		go req.resolve(false, nil)
	}
	return nil
}
