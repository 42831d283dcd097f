package pluginhost

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/signond/signond/pkg/logger"
	"github.com/signond/signond/pkg/signonerr"
)

// State is a subordinate's position in the per-operation state machine.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateAwaitUI
	StateAwaitRefresh
	StateGone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateAwaitUI:
		return "AWAIT_UI"
	case StateAwaitRefresh:
		return "AWAIT_REFRESH"
	case StateGone:
		return "GONE"
	default:
		return "UNKNOWN"
	}
}

// Event is one plugin -> client message, decoded off the wire.
type Event struct {
	Op            Opcode
	Data          SessionData // RESULT, STORE, UI, REFRESH_REPLY
	ErrorKind     uint32      // ERROR
	ErrorMessage  string      // ERROR
	SignalState   uint32      // SIGNAL
	SignalMessage string      // SIGNAL
}

// terminal reports whether op ends the outstanding PROCESS/PROCESS_UI/REFRESH
// operation (as opposed to STORE/SIGNAL, which are notifications alongside
// it).
func (e Event) terminal() bool {
	switch e.Op {
	case OpResult, OpError, OpUI, OpRefreshReply:
		return true
	default:
		return false
	}
}

// Subordinate is a live child process hosting one authentication plugin,
// speaking the client side of the wire protocol over its stdin/stdout.
type Subordinate struct {
	methodType string
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     *bufio.Reader

	mu    sync.Mutex
	state State

	events chan Event
	gone   chan struct{}
	goneErr error
}

// Spawn starts the subordinate binary for methodType and waits for it to
// write the startup token. args are passed through to the subordinate
// unchanged (e.g. a configured plugin-specific flag set).
func Spawn(ctx context.Context, methodType, binaryPath string, args ...string) (*Subordinate, error) {
	return SpawnCmd(methodType, exec.CommandContext(ctx, binaryPath, args...))
}

// SpawnCmd wires cmd's stdin/stdout/stderr as a subordinate connection and
// starts it. Exposed separately from Spawn so tests can supply a prebuilt
// *exec.Cmd (the standard TestHelperProcess idiom: re-exec the test binary
// itself with an environment flag selecting a helper-process code path).
func SpawnCmd(methodType string, cmd *exec.Cmd) (*Subordinate, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("pluginhost: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pluginhost: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("pluginhost: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pluginhost: start %s subordinate: %w", methodType, err)
	}

	s := &Subordinate{
		methodType: methodType,
		cmd:        cmd,
		stdin:      stdin,
		stdout:     bufio.NewReader(stdout),
		state:      StateIdle,
		events:     make(chan Event, 8),
		gone:       make(chan struct{}),
	}

	line, err := s.stdout.ReadString('\n')
	if err != nil || strings.TrimRight(line, "\r\n") != StartupToken {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("pluginhost: %s subordinate did not send startup token", methodType)
	}

	go s.drainStderr(stderr)
	go s.readLoop()

	return s, nil
}

func (s *Subordinate) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Log.Warnf("%s subordinate stderr: %s", s.methodType, scanner.Text())
	}
	s.markGone(fmt.Errorf("pluginhost: %s subordinate stderr stream closed", s.methodType))
}

func (s *Subordinate) readLoop() {
	for {
		op, err := readOpcode(s.stdout)
		if err != nil {
			s.markGone(fmt.Errorf("pluginhost: %s subordinate read failed: %w", s.methodType, err))
			return
		}
		ev, err := s.decodeEvent(op)
		if err != nil {
			s.markGone(fmt.Errorf("pluginhost: %s subordinate protocol error: %w", s.methodType, err))
			return
		}

		s.mu.Lock()
		if ev.terminal() {
			switch op {
			case OpUI:
				s.state = StateAwaitUI
			case OpRefreshReply:
				s.state = StateAwaitRefresh
			default:
				s.state = StateIdle
			}
		}
		s.mu.Unlock()

		s.events <- ev
	}
}

func (s *Subordinate) decodeEvent(op Opcode) (Event, error) {
	switch op {
	case OpResult, OpStore, OpUI, OpRefreshReply:
		payload, err := readBlob(s.stdout)
		if err != nil {
			return Event{}, err
		}
		data, err := DecodeBlob(payload)
		if err != nil {
			return Event{}, err
		}
		return Event{Op: op, Data: data}, nil
	case OpError:
		kind, err := readU32(s.stdout)
		if err != nil {
			return Event{}, err
		}
		msg, err := readString(s.stdout)
		if err != nil {
			return Event{}, err
		}
		return Event{Op: op, ErrorKind: kind, ErrorMessage: msg}, nil
	case OpSignal:
		state, err := readU32(s.stdout)
		if err != nil {
			return Event{}, err
		}
		msg, err := readString(s.stdout)
		if err != nil {
			return Event{}, err
		}
		return Event{Op: op, SignalState: state, SignalMessage: msg}, nil
	default:
		return Event{}, fmt.Errorf("unknown opcode %d", op)
	}
}

func (s *Subordinate) markGone(err error) {
	s.mu.Lock()
	if s.state == StateGone {
		s.mu.Unlock()
		return
	}
	s.state = StateGone
	s.goneErr = err
	s.mu.Unlock()
	close(s.gone)
}

// Events delivers decoded plugin -> client messages in arrival order.
func (s *Subordinate) Events() <-chan Event { return s.events }

// Gone is closed once the subordinate is considered dead (exit or a
// stderr/stdout stream condition).
func (s *Subordinate) Gone() <-chan struct{} { return s.gone }

// GoneError returns the reason the subordinate was marked gone, if any.
func (s *Subordinate) GoneError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.goneErr
}

// State returns the subordinate's current operation state.
func (s *Subordinate) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Type sends the synchronous TYPE query. Only valid while IDLE.
func (s *Subordinate) Type() (string, error) {
	if err := s.beginSynchronous(); err != nil {
		return "", err
	}
	if err := writeOpcode(s.stdin, OpType); err != nil {
		return "", s.writeFailure(err)
	}
	return readString(s.stdout)
}

// Mechanisms sends the synchronous MECHANISMS query. Only valid while IDLE.
func (s *Subordinate) Mechanisms() ([]string, error) {
	if err := s.beginSynchronous(); err != nil {
		return nil, err
	}
	if err := writeOpcode(s.stdin, OpMechanisms); err != nil {
		return nil, s.writeFailure(err)
	}
	return readStringList(s.stdout)
}

func (s *Subordinate) beginSynchronous() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateGone {
		return signonerr.NewInternalServerError("subordinate is gone", s.goneErr)
	}
	if s.state != StateIdle {
		return signonerr.NewInternalServerError("synchronous query while an operation is outstanding", nil)
	}
	return nil
}

// Process sends PROCESS with mechanism and data, transitioning to RUNNING.
// It is only valid while IDLE.
func (s *Subordinate) Process(mechanism string, data SessionData) error {
	return s.startOperation(OpProcess, &mechanism, data)
}

// ProcessUI sends PROCESS_UI, valid only while AWAIT_UI.
func (s *Subordinate) ProcessUI(data SessionData) error {
	return s.continueOperation(StateAwaitUI, OpProcessUI, data)
}

// Refresh sends REFRESH, valid only while AWAIT_REFRESH.
func (s *Subordinate) Refresh(data SessionData) error {
	return s.continueOperation(StateAwaitRefresh, OpRefresh, data)
}

func (s *Subordinate) startOperation(op Opcode, mechanism *string, data SessionData) error {
	s.mu.Lock()
	if s.state == StateGone {
		err := signonerr.NewInternalServerError("subordinate is gone", s.goneErr)
		s.mu.Unlock()
		return err
	}
	if s.state != StateIdle {
		err := signonerr.NewInternalServerError("an operation is already outstanding", nil)
		s.mu.Unlock()
		return err
	}
	s.state = StateRunning
	s.mu.Unlock()

	return s.sendOperation(op, mechanism, data)
}

func (s *Subordinate) continueOperation(want State, op Opcode, data SessionData) error {
	s.mu.Lock()
	if s.state == StateGone {
		err := signonerr.NewInternalServerError("subordinate is gone", s.goneErr)
		s.mu.Unlock()
		return err
	}
	if s.state != want {
		err := signonerr.NewInternalServerError(
			fmt.Sprintf("expected state %s, got %s", want, s.state), nil)
		s.mu.Unlock()
		return err
	}
	s.state = StateRunning
	s.mu.Unlock()

	return s.sendOperation(op, nil, data)
}

func (s *Subordinate) sendOperation(op Opcode, mechanism *string, data SessionData) error {
	payload, err := EncodeBlob(data)
	if err != nil {
		return signonerr.NewRuntimeError("encode blob", err)
	}

	if err := writeOpcode(s.stdin, op); err != nil {
		return s.writeFailure(err)
	}
	if mechanism != nil {
		if err := writeString(s.stdin, *mechanism); err != nil {
			return s.writeFailure(err)
		}
	}
	if err := writeBlob(s.stdin, payload); err != nil {
		return s.writeFailure(err)
	}
	return nil
}

// Cancel sends CANCEL. It is only meaningful while an operation is
// outstanding; PH itself treats calling it while IDLE as a no-op, matching
// cancel's idempotence at the session-core layer.
func (s *Subordinate) Cancel() error {
	s.mu.Lock()
	outstanding := s.state == StateRunning || s.state == StateAwaitUI || s.state == StateAwaitRefresh
	gone := s.state == StateGone
	s.mu.Unlock()

	if gone || !outstanding {
		return nil
	}
	if err := writeOpcode(s.stdin, OpCancel); err != nil {
		return s.writeFailure(err)
	}
	return nil
}

// Stop sends STOP and closes stdin; the subordinate is expected to exit.
func (s *Subordinate) Stop() error {
	if err := writeOpcode(s.stdin, OpStop); err != nil {
		return s.writeFailure(err)
	}
	return s.stdin.Close()
}

func (s *Subordinate) writeFailure(err error) error {
	s.markGone(fmt.Errorf("pluginhost: %s subordinate write failed: %w", s.methodType, err))
	return signonerr.NewInternalServerError("subordinate write failed", err)
}

// Wait blocks until the subordinate process has exited.
func (s *Subordinate) Wait() error {
	return s.cmd.Wait()
}
