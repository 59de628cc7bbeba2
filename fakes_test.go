package accessory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/mock"
)

type stubDiscoverer struct{ mock.Mock }

func (s *stubDiscoverer) Accessories(ctx context.Context) ([]Descriptor, error) {
	args := s.Called(ctx)
	found, _ := args.Get(0).([]Descriptor)
	return found, args.Error(1)
}

// stubPermissions captures resolve callbacks so tests decide when and how
// a request resolves.
type stubPermissions struct {
	mock.Mock
	resolves chan func(bool, *Descriptor)
}

func newStubPermissions() *stubPermissions {
	return &stubPermissions{resolves: make(chan func(bool, *Descriptor), 8)}
}

func (s *stubPermissions) HasPermission(d Descriptor) bool {
	return s.Called(d).Bool(0)
}

func (s *stubPermissions) RequestPermission(d Descriptor, resolve func(bool, *Descriptor)) {
	s.Called(d)
	s.resolves <- resolve
}

type stubFactory struct{ mock.Mock }

func (s *stubFactory) Open(d Descriptor) (Transport, error) {
	args := s.Called(d)
	tr, _ := args.Get(0).(Transport)
	return tr, args.Error(1)
}

type stubDetach struct {
	mock.Mock
	mu       sync.Mutex
	onDetach func()
	stops    atomic.Int32
}

func (s *stubDetach) Watch(d Descriptor, onDetach func()) (func(), error) {
	args := s.Called(d)
	s.mu.Lock()
	s.onDetach = onDetach
	s.mu.Unlock()
	return func() { s.stops.Add(1) }, args.Error(0)
}

func (s *stubDetach) fire() {
	s.mu.Lock()
	fn := s.onDetach
	s.mu.Unlock()
	fn()
}

// fakeTransport is an in-memory Transport. Reads block until data or a
// failure is injected, or until Close.
type fakeTransport struct {
	in        chan []byte
	fail      chan error
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32

	mu       sync.Mutex
	written  [][]byte
	writeErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 8),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	select {
	case b := <-f.in:
		return copy(p, b), nil
	case err := <-f.fail:
		return 0, err
	case <-f.closed:
		return 0, ErrPortClosed
	}
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
		return 0, ErrPortClosed
	default:
	}
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = append(f.written, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeTransport) Close() error {
	f.closes.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	for i, w := range f.written {
		out[i] = string(w)
	}
	return out
}

// recordingSink records every event; it is safe to inspect from the test
// goroutine while the dispatcher is running.
type recordingSink struct {
	mu           sync.Mutex
	logs         []string
	messages     []string
	sendComplete int
	sendFailed   []error
	errs         []ErrorKind
	states       []State
}

func (r *recordingSink) OnLog(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, text)
}

func (r *recordingSink) OnMessageReceived(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, string(data))
}

func (r *recordingSink) OnSendComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendComplete++
}

func (r *recordingSink) OnSendFailed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendFailed = append(r.sendFailed, err)
}

func (r *recordingSink) OnAccessoryError(kind ErrorKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, kind)
}

func (r *recordingSink) OnStateChange(_, newState State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, newState)
}

func (r *recordingSink) errors() []ErrorKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ErrorKind(nil), r.errs...)
}

func (r *recordingSink) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func (r *recordingSink) visited() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *recordingSink) completed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendComplete
}

func (r *recordingSink) failures() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.sendFailed...)
}

var (
	_ Transport     = (*fakeTransport)(nil)
	_ EventSink     = (*recordingSink)(nil)
	_ StateListener = (*recordingSink)(nil)
)
