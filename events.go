package accessory

import "sync"

// EventSink receives everything a Manager reports. Calls are made from a
// single dispatcher goroutine, one at a time, in the order the events were
// produced. Implementations may call back into the Manager.
type EventSink interface {
	// OnLog receives human-readable trace lines.
	OnLog(text string)

	// OnMessageReceived receives one chunk per successful read. The slice
	// is owned by the sink.
	OnMessageReceived(data []byte)

	// OnSendComplete is called once per successful Send.
	OnSendComplete()

	// OnSendFailed is called once per Send whose write failed.
	OnSendFailed(err error)

	// OnAccessoryError reports a terminal error for the current attempt.
	OnAccessoryError(kind ErrorKind)
}

// StateListener may optionally be implemented by an EventSink to observe
// state transitions.
type StateListener interface {
	OnStateChange(oldState, newState State)
}

// NopSink discards all events. It is usable as a zero value.
type NopSink struct{}

func (NopSink) OnLog(string)               {}
func (NopSink) OnMessageReceived([]byte)   {}
func (NopSink) OnSendComplete()            {}
func (NopSink) OnSendFailed(error)         {}
func (NopSink) OnAccessoryError(ErrorKind) {}

var _ EventSink = NopSink{}

// dispatcher delivers events to the sink from one goroutine. post never
// blocks, so it may be called while holding the manager lock.
type dispatcher struct {
	sink EventSink

	mu     sync.Mutex
	queue  []func(EventSink)
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func newDispatcher(sink EventSink) *dispatcher {
	if sink == nil {
		sink = NopSink{}
	}
	d := &dispatcher{
		sink: sink,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) post(ev func(EventSink)) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, ev)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
		// Already pending
	}
}

func (d *dispatcher) log(text string) {
	d.post(func(s EventSink) { s.OnLog(text) })
}

func (d *dispatcher) accessoryError(kind ErrorKind) {
	d.post(func(s EventSink) { s.OnAccessoryError(kind) })
}

func (d *dispatcher) stateChange(oldState, newState State) {
	if oldState == newState {
		return
	}
	if _, ok := d.sink.(StateListener); !ok {
		return
	}
	d.post(func(s EventSink) { s.(StateListener).OnStateChange(oldState, newState) })
}

// close stops accepting events. Events already queued are still delivered.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)

	for range d.wake {
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				closed := d.closed
				d.mu.Unlock()
				if closed {
					return
				}
				break
			}
			ev := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()

			ev(d.sink)
		}
	}
}
