package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	accessory "github.com/luhtfiimanal/go-linux-accessory"
)

// console is the interactive front end. It doubles as the manager's event
// sink; the manager delivers events one at a time.
type console struct {
	rl     *readline.Instance
	cfg    accessory.Config
	m      *accessory.Manager
	manual *accessory.ManualPermissions
}

func newConsole(rl *readline.Instance, cfg accessory.Config) *console {
	return &console{rl: rl, cfg: cfg}
}

func (c *console) out() io.Writer {
	return c.rl.Stdout()
}

func (c *console) OnLog(text string) {
	fmt.Fprintln(c.out(), text)
}

func (c *console) OnMessageReceived(data []byte) {
	fmt.Fprintf(c.out(), "<< %s\n", data)
}

func (c *console) OnSendComplete() {
	fmt.Fprintln(c.out(), ">> sent")
}

func (c *console) OnSendFailed(err error) {
	fmt.Fprintf(c.out(), ">> send failed: %v\n", err)
}

func (c *console) OnAccessoryError(kind accessory.ErrorKind) {
	fmt.Fprintf(c.out(), "!! %s\n", kind)
}

func (c *console) OnStateChange(_, newState accessory.State) {
	c.rl.SetPrompt(fmt.Sprintf("accessory[%s]> ", strings.ToLower(newState.String())))
	c.rl.Refresh()
}

func (c *console) announceRequest(d accessory.Descriptor) {
	fmt.Fprintf(c.out(), "permission requested for %s: type 'allow' or 'deny'\n", d)
}

var (
	_ accessory.EventSink     = (*console)(nil)
	_ accessory.StateListener = (*console)(nil)
)

func (c *console) run(ctx context.Context) {
	c.printHelp()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			fmt.Fprintln(c.out(), "Exiting...")
			return
		}
		if !c.exec(ctx, strings.TrimSpace(line)) {
			return
		}
	}
}

// exec runs one command line and reports whether the loop should continue.
func (c *console) exec(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
	case "connect", "c":
		c.connect(ctx)
	case "send", "s":
		if err := c.m.Send([]byte(arg)); err != nil {
			fmt.Fprintf(c.out(), "send: %v\n", err)
		}
	case "disconnect", "d":
		c.m.Disconnect()
	case "state":
		fmt.Fprintf(c.out(), "state: %s\n", c.m.State())
		if acc, ok := c.m.Accessory(); ok {
			fmt.Fprintf(c.out(), "accessory: %s\n", acc)
		}
	case "allow", "deny":
		c.answer(cmd == "allow")
	case "help", "?":
		c.printHelp()
	case "quit", "exit", "q":
		return false
	default:
		fmt.Fprintf(c.out(), "unknown command: %q (try 'help')\n", cmd)
	}
	return true
}

func (c *console) connect(ctx context.Context) {
	if err := c.m.Connect(ctx); err != nil {
		fmt.Fprintf(c.out(), "connect: %v\n", err)
	}
}

func (c *console) answer(granted bool) {
	if c.manual == nil {
		fmt.Fprintf(c.out(), "permission mode is %s\n", c.cfg.Permission)
		return
	}
	if err := c.manual.Answer(granted); err != nil {
		fmt.Fprintf(c.out(), "%v\n", err)
	}
}

func (c *console) printHelp() {
	fmt.Fprint(c.out(), `Commands:
  connect | c          discover and connect to the accessory
  send | s <text>      send raw text
  disconnect | d       tear down the connection
  state                show state and accessory
  allow | deny         answer a pending permission request
  help | ?             this help
  quit | exit | q      leave
`)
}
