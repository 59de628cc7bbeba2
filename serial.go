package accessory

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Port is a raw, killable, bidirectional byte stream over a Linux tty.
// It implements Transport. Read and Write may be used concurrently; Close may
// be called from any goroutine and unblocks a pending Read.
type Port struct {
	fd        int
	file      *os.File
	done      chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
	fdMu      sync.RWMutex // held for reading while fds are polled; Close takes it to release them
	config    PortConfig
	pipeR     int // self-pipe read fd
	pipeW     int // self-pipe write fd
}

// PortConfig holds configuration parameters for opening a tty.
type PortConfig struct {
	Device   string
	BaudRate int
}

var _ Transport = (*Port)(nil)

// OpenPort opens the tty named in cfg and puts it in raw mode.
// The returned Port owns the descriptor.
func OpenPort(cfg PortConfig) (*Port, error) {
	fd, err := syscall.Open(cfg.Device, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0666)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("get termios: %w", err)
	}

	// Raw mode
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB
	termios.Cflag |= unix.CS8

	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baudToUnix(cfg.BaudRate)

	// VMIN=1, VTIME=0: a read returns as soon as one byte is available
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("set termios: %w", err)
	}

	if err := syscall.SetNonblock(fd, false); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("set blocking: %w", err)
	}

	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("pipe: %w", err)
	}

	return &Port{
		fd:     fd,
		file:   os.NewFile(uintptr(fd), cfg.Device),
		done:   make(chan struct{}),
		config: cfg,
		pipeR:  pipeFds[0],
		pipeW:  pipeFds[1],
	}, nil
}

// Name returns the device path the port was opened with.
func (p *Port) Name() string {
	return p.config.Device
}

// Read blocks until bytes are available, the peer hangs up, or the port is
// closed. After Close it returns ErrPortClosed.
func (p *Port) Read(buf []byte) (int, error) {
	for {
		n, again, err := p.pollRead(buf)
		if !again {
			return n, err
		}
	}
}

// pollRead waits once for input. The fds stay open for its duration.
func (p *Port) pollRead(buf []byte) (int, bool, error) {
	p.fdMu.RLock()
	defer p.fdMu.RUnlock()

	select {
	case <-p.done:
		return 0, false, ErrPortClosed
	default:
	}

	pfd := []unix.PollFd{
		{Fd: int32(p.fd), Events: unix.POLLIN},
		{Fd: int32(p.pipeR), Events: unix.POLLIN},
	}
	if _, err := unix.Poll(pfd, -1); err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, true, nil
		}
		return 0, false, fmt.Errorf("poll: %w", err)
	}
	select {
	case <-p.done:
		return 0, false, ErrPortClosed
	default:
	}
	if pfd[1].Revents&unix.POLLIN != 0 {
		return 0, false, ErrPortClosed
	}
	if pfd[0].Revents&unix.POLLIN != 0 {
		n, err := p.file.Read(buf)
		return n, false, err
	}
	if pfd[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
		return 0, false, fmt.Errorf("%s: hangup: %w", p.config.Device, io.ErrUnexpectedEOF)
	}
	return 0, true, nil
}

// Write writes the whole of b to the port.
func (p *Port) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	select {
	case <-p.done:
		return 0, ErrPortClosed
	default:
	}
	return p.file.Write(b)
}

// Close closes both directions of the port and unblocks any pending Read.
// Safe to call multiple times; subsequent calls are no-ops. Every resource is
// released even if an earlier one fails to close; the first error is returned.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		// Wake up poll using self-pipe
		if p.pipeW > 0 {
			unix.Write(p.pipeW, []byte{1})
		}
		// Wait for an in-flight poll to return before the fd numbers can be reused.
		p.fdMu.Lock()
		defer p.fdMu.Unlock()
		if p.file != nil {
			err = p.file.Close()
		}
		if p.pipeR > 0 {
			if cerr := unix.Close(p.pipeR); cerr != nil && err == nil {
				err = cerr
			}
		}
		if p.pipeW > 0 {
			if cerr := unix.Close(p.pipeW); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

func baudToUnix(baud int) uint32 {
	switch baud {
	case 9600:
		return unix.B9600
	case 19200:
		return unix.B19200
	case 38400:
		return unix.B38400
	case 57600:
		return unix.B57600
	case 115200:
		return unix.B115200
	case 230400:
		return unix.B230400
	case 460800:
		return unix.B460800
	case 921600:
		return unix.B921600
	default:
		return unix.B115200 // fallback
	}
}
