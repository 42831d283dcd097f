// This file implements the subordinate (plugin) side of the wire protocol:
// read commands from stdin, emit events on stdout. cmd/ssotestplugin and
// cmd/oauth2plugin both build on Conn.
package pluginhost

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

// Handler implements one authentication plugin's behavior. Process,
// ProcessUI and Refresh run on their own goroutine so a long-running
// exchange (timers, network calls) does not block Conn.Serve from reading a
// concurrent CANCEL.
type Handler interface {
	Type() string
	Mechanisms() []string
	Process(conn *Conn, mechanism string, data SessionData)
	ProcessUI(conn *Conn, data SessionData)
	Refresh(conn *Conn, data SessionData)
	Cancel(conn *Conn)
}

// Conn is a subordinate's connection to its parent Plugin Host, wrapping
// stdin (commands in) and stdout (events out).
type Conn struct {
	in  *bufio.Reader
	out io.Writer
	mu  sync.Mutex
}

// NewConn wraps in/out and immediately writes the startup token, per the
// subordinate lifecycle contract.
func NewConn(in io.Reader, out io.Writer) (*Conn, error) {
	c := &Conn{in: bufio.NewReader(in), out: out}
	if _, err := io.WriteString(out, StartupToken+"\n"); err != nil {
		return nil, fmt.Errorf("pluginhost: write startup token: %w", err)
	}
	return c, nil
}

// IsSuperuser reports whether the current process is running as root. Every
// plugin binary's main() must check this and refuse to start if true.
func IsSuperuser() bool {
	return unix.Geteuid() == 0
}

// Result emits opcode 10: the operation's successful session-data result.
func (c *Conn) Result(data SessionData) error {
	return c.sendBlob(OpResult, data)
}

// Store emits opcode 11: a session-data map the host should persist.
func (c *Conn) Store(data SessionData) error {
	return c.sendBlob(OpStore, data)
}

// Error emits opcode 12.
func (c *Conn) Error(kind uint32, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := writeOpcode(c.out, OpError); err != nil {
		return err
	}
	if err := writeU32(c.out, kind); err != nil {
		return err
	}
	return writeString(c.out, message)
}

// UI emits opcode 13: a request for SignOnUI to mediate.
func (c *Conn) UI(data SessionData) error {
	return c.sendBlob(OpUI, data)
}

// RefreshReply emits opcode 14.
func (c *Conn) RefreshReply(data SessionData) error {
	return c.sendBlob(OpRefreshReply, data)
}

// Signal emits opcode 15: a state-change notification.
func (c *Conn) Signal(state uint32, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := writeOpcode(c.out, OpSignal); err != nil {
		return err
	}
	if err := writeU32(c.out, state); err != nil {
		return err
	}
	return writeString(c.out, message)
}

func (c *Conn) sendBlob(op Opcode, data SessionData) error {
	payload, err := EncodeBlob(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := writeOpcode(c.out, op); err != nil {
		return err
	}
	return writeBlob(c.out, payload)
}

// Serve reads commands until STOP or a read error, dispatching them to h.
// It returns nil on a clean STOP.
func (c *Conn) Serve(h Handler) error {
	for {
		op, err := readOpcode(c.in)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		switch op {
		case OpStop:
			return nil
		case OpCancel:
			h.Cancel(c)
		case OpType:
			if err := writeString(c.out, h.Type()); err != nil {
				return err
			}
		case OpMechanisms:
			if err := writeStringList(c.out, h.Mechanisms()); err != nil {
				return err
			}
		case OpProcess:
			mechanism, err := readString(c.in)
			if err != nil {
				return err
			}
			payload, err := readBlob(c.in)
			if err != nil {
				return err
			}
			data, err := DecodeBlob(payload)
			if err != nil {
				return err
			}
			go h.Process(c, mechanism, data)
		case OpProcessUI:
			payload, err := readBlob(c.in)
			if err != nil {
				return err
			}
			data, err := DecodeBlob(payload)
			if err != nil {
				return err
			}
			go h.ProcessUI(c, data)
		case OpRefresh:
			payload, err := readBlob(c.in)
			if err != nil {
				return err
			}
			data, err := DecodeBlob(payload)
			if err != nil {
				return err
			}
			go h.Refresh(c, data)
		default:
			return fmt.Errorf("pluginhost: unexpected opcode %d from host", op)
		}
	}
}
