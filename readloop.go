package accessory

import "sync/atomic"

// readWorker is the stop flag of one read loop. The loop checks it once per
// iteration; closing the transport unblocks a read already in flight.
type readWorker struct {
	stop atomic.Bool
}

// readLoop drains the transport until it fails or the worker is stopped.
// Each non-empty read becomes one OnMessageReceived event; chunks are not
// joined or split.
func (m *Manager) readLoop(w *readWorker, h Transport, epoch uint64) {
	defer m.wg.Done()

	m.events.log("+readFromAccessory")
	defer m.events.log("-readFromAccessory")

	buf := make([]byte, m.cfg.ReadBufferSize)
	for !w.stop.Load() {
		n, err := h.Read(buf)
		if n > 0 && !w.stop.Load() {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.events.post(func(s EventSink) { s.OnMessageReceived(chunk) })
		}
		if err != nil {
			if w.stop.Load() {
				// Teardown closed the transport under us.
				return
			}
			m.log.Debug().Err(err).Msg("Read failed")
			m.linkLost(epoch, err.Error())
			return
		}
	}
}
