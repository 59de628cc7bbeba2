package accessory

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"
)

func openTestPort(t *testing.T) (*Port, *os.File) {
	t.Helper()
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	port, err := OpenPort(PortConfig{Device: slave.Name(), BaudRate: 115200})
	require.NoError(t, err)
	t.Cleanup(func() { port.Close() })
	return port, master
}

type readResult struct {
	data []byte
	err  error
}

func readAsync(p *Port, size int) <-chan readResult {
	ch := make(chan readResult, 1)
	go func() {
		buf := make([]byte, size)
		n, err := p.Read(buf)
		ch <- readResult{data: buf[:n], err: err}
	}()
	return ch
}

func TestPort_ChatMasterSlave(t *testing.T) {
	port, master := openTestPort(t)

	// 1. Master writes, Port reads a raw chunk
	results := readAsync(port, 1024)
	_, err := master.Write([]byte("ping"))
	require.NoError(t, err)

	select {
	case r := <-results:
		require.NoError(t, r.err)
		require.Equal(t, "ping", string(r.data))
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for port to receive from master")
	}

	// 2. Port writes, master reads
	n, err := port.Write([]byte("pong"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	buf := make([]byte, 4)
	n, err = master.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf[:n]))
}

func TestPort_ReadIsBoundedByBuffer(t *testing.T) {
	port, master := openTestPort(t)

	_, err := master.Write([]byte("abcdef"))
	require.NoError(t, err)

	select {
	case r := <-readAsync(port, 4):
		require.NoError(t, r.err)
		require.Equal(t, "abcd", string(r.data))
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for first chunk")
	}

	select {
	case r := <-readAsync(port, 4):
		require.NoError(t, r.err)
		require.Equal(t, "ef", string(r.data))
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for second chunk")
	}
}

func TestPort_Killability(t *testing.T) {
	port, _ := openTestPort(t)

	results := readAsync(port, 1024)

	// Give the goroutine a chance to block in poll
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, port.Close())

	select {
	case r := <-results:
		require.ErrorIs(t, r.err, ErrPortClosed)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for Read to return after Close")
	}

	// Should be a no-op due to closeOnce
	require.NoError(t, port.Close())

	_, err := port.Write([]byte("late"))
	require.ErrorIs(t, err, ErrPortClosed)
}

func TestPort_ReadAfterCloseIgnoresReusedFds(t *testing.T) {
	port, _ := openTestPort(t)
	require.NoError(t, port.Close())

	// New descriptors are likely to take over the numbers the port released.
	master, slave, err := pty.Open()
	require.NoError(t, err)
	defer master.Close()
	defer slave.Close()

	select {
	case r := <-readAsync(port, 16):
		require.ErrorIs(t, r.err, ErrPortClosed)
		require.Empty(t, r.data)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Read after Close blocked")
	}
}

func TestPort_ErrorOnHangup(t *testing.T) {
	port, master := openTestPort(t)

	results := readAsync(port, 1024)

	// Simulate device disconnect by closing master
	require.NoError(t, master.Close())

	select {
	case r := <-results:
		require.Error(t, r.err)
		require.False(t, errors.Is(r.err, ErrPortClosed))
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for error after device disconnect")
	}
}

func TestOpenPort_MissingDevice(t *testing.T) {
	_, err := OpenPort(PortConfig{Device: "/dev/does-not-exist-accessory", BaudRate: 9600})
	require.Error(t, err)
}

func TestBaudToUnix_Fallback(t *testing.T) {
	require.Equal(t, baudToUnix(115200), baudToUnix(12345))
	require.NotEqual(t, baudToUnix(9600), baudToUnix(115200))
}
