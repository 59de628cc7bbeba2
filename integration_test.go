package accessory

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ptyManager wires a Manager to a real tty pair: the slave plays the
// accessory's device node and the master plays the accessory.
func ptyManager(t *testing.T, serial string) (*Manager, *recordingSink, *os.File) {
	t.Helper()
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	perms := &ManualPermissions{}
	perms.OnRequest = func(Descriptor) { _ = perms.Answer(true) }

	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
	sink := &recordingSink{}
	m, err := NewManager(DefaultConfig(), Dependencies{
		Discoverer:  StaticDiscoverer{{Path: slave.Name(), Serial: serial}},
		Permissions: perms,
		Factory:     SerialFactory{BaudRate: 115200},
		Logger:      &logger,
	}, sink)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	return m, sink, master
}

func TestManagerPTY_EndToEnd(t *testing.T) {
	m, sink, master := ptyManager(t, DefaultExpectedSerial)

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return m.State() == StateConnected }, time.Second, 5*time.Millisecond)

	// Inbound
	_, err := master.Write([]byte("ping"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return strings.Join(sink.received(), "") == "ping" }, time.Second, 5*time.Millisecond)

	// Outbound
	require.NoError(t, m.Send([]byte("hello")))
	buf := make([]byte, 5)
	n, err := master.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	require.Eventually(t, func() bool { return sink.completed() == 1 }, time.Second, 5*time.Millisecond)

	// Unplug: the read fault tears the link down
	require.NoError(t, master.Close())
	require.Eventually(t, func() bool { return m.State() == StateIdle }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(sink.errors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []ErrorKind{ErrDetached}, sink.errors())
}

func TestManagerPTY_IdentityMismatch(t *testing.T) {
	m, sink, _ := ptyManager(t, "0000000000")

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(sink.errors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []ErrorKind{ErrIdentityMismatch}, sink.errors())
	assert.Equal(t, StateIdle, m.State())
	assert.NotContains(t, sink.visited(), StateConnected)
}

func TestManagerPTY_DisconnectUnblocksRead(t *testing.T) {
	m, sink, _ := ptyManager(t, DefaultExpectedSerial)

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return m.State() == StateConnected }, time.Second, 5*time.Millisecond)

	m.Disconnect()
	assert.Equal(t, StateIdle, m.State())

	done := make(chan struct{})
	go func() {
		m.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown blocked: read loop did not exit after Disconnect")
	}
	assert.Empty(t, sink.errors())
}
