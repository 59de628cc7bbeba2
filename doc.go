// Package accessory manages the connection between a Linux host and one
// attached accessory that talks over a raw byte stream, typically a USB
// CDC/serial tty such as /dev/ttyACM0.
//
// A Manager runs the whole lifecycle:
//
//	discovery -> permission -> open -> identity check -> read loop -> teardown
//
// Features:
//   - Explicit state machine (Idle, AwaitingPermission, Opening, Connected,
//     Closing) with every transition made under one lock
//   - At most one accessory; only the first one discovered is used
//   - Identity check against an expected USB serial number before use
//   - Raw syscall-based tty I/O with a self-pipe, so Close unblocks reads
//   - Non-blocking Send; inbound failures and detach tear the link down once
//   - All events delivered in order from a single goroutine
//   - PTY-based tests
//
// This package does **not** support Windows.
//
// Example usage:
//
//	cfg := accessory.DefaultConfig()
//	m, err := accessory.NewManager(cfg, accessory.Dependencies{
//	    Discoverer:  accessory.NewSerialDiscoverer(cfg),
//	    Permissions: perms, // *accessory.ManualPermissions or *accessory.PolkitAuthorizer
//	    Factory:     accessory.SerialFactory{BaudRate: cfg.BaudRate},
//	    Detach:      accessory.DeviceWatcher{},
//	}, sink)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Shutdown()
//
//	if err := m.Connect(context.Background()); err != nil {
//	    log.Println("connect:", err)
//	}
//
//	// once sink.OnStateChange reports StateConnected:
//	if err := m.Send([]byte("hello")); err != nil {
//	    log.Println("send:", err)
//	}
package accessory
