// Package session implements the session core: one actor goroutine per
// (identity, method) pair, each owning exactly one plugin host subordinate
// and a FIFO queue of requests, mirroring SignonSessionCore's single-writer
// design (one session core instance, one plugin proxy, one pending-request
// queue per session).
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/signond/signond/pkg/credentialsdb"
	"github.com/signond/signond/pkg/pluginhost"
	"github.com/signond/signond/pkg/signonerr"
)

// Session is the actor for one (identity, method) pair. All mutable state
// (queue, canceledKey, the live subordinate) is touched only by the loop
// goroutine; every exported method hands its work to loop as a closure over
// the cmds channel rather than taking a lock, so there is never more than
// one in-flight PROCESS/PROCESS_UI/REFRESH on the underlying subordinate.
type Session struct {
	id       IdentityID
	method   string
	registry *Registry
	host     *pluginhost.Host
	ui       UIMediator
	cs       *credentialsdb.Store

	cmds chan func()
	done chan struct{}

	queue        []*Request
	canceledKey  string
	lastActivity time.Time
	refCount     int

	sub      *pluginhost.Subordinate
	uiCancel context.CancelFunc
}

func newSession(id IdentityID, method string, r *Registry) *Session {
	s := &Session{
		id:           id,
		method:       method,
		registry:     r,
		host:         r.host,
		ui:           r.ui,
		cs:           r.cs,
		cmds:         make(chan func()),
		done:         make(chan struct{}),
		lastActivity: time.Now(),
	}
	go s.loop()
	return s
}

// ID reports the session's identity, persisted or transient.
func (s *Session) ID() IdentityID { return s.id }

// Method reports the session's authentication method name.
func (s *Session) Method() string { return s.method }

func (s *Session) loop() {
	for {
		var subEvents <-chan pluginhost.Event
		var subGone <-chan struct{}
		if s.sub != nil {
			subEvents = s.sub.Events()
			subGone = s.sub.Gone()
		}

		select {
		case fn := <-s.cmds:
			fn()
		case ev := <-subEvents:
			s.handlePluginEvent(ev)
		case <-subGone:
			s.handleSubordinateGone()
		case <-s.done:
			return
		}
	}
}

// Process enqueues a PROCESS request, dispatching it immediately if the
// queue was empty.
func (s *Session) Process(cancelKey, mechanism string, data pluginhost.SessionData) <-chan Result {
	req := NewRequest(cancelKey, mechanism, data)
	s.cmds <- func() { s.enqueue(req) }
	return req.Reply
}

// Cancel asks the session to cancel cancelKey. It is idempotent: canceling
// an already-canceled or already-finished key is a silent no-op.
func (s *Session) Cancel(cancelKey string) {
	done := make(chan struct{})
	s.cmds <- func() { s.handleCancel(cancelKey); close(done) }
	<-done
}

// SetID promotes a transient session to a persisted one once the
// credentials store has assigned it an id. It can only be called once.
func (s *Session) SetID(newID uint32) error {
	errCh := make(chan error, 1)
	s.cmds <- func() { errCh <- s.handleSetID(newID) }
	return <-errCh
}

// QueryAvailableMechanisms spawns (or reuses) the session's subordinate,
// asks it for its mechanisms, and intersects that list with wanted (an
// empty wanted means "all of them").
func (s *Session) QueryAvailableMechanisms(ctx context.Context, wanted []string) ([]string, error) {
	type outcome struct {
		list []string
		err  error
	}
	ch := make(chan outcome, 1)
	s.cmds <- func() {
		list, err := s.handleQueryMechanisms(ctx, wanted)
		ch <- outcome{list, err}
	}
	out := <-ch
	return out.list, out.err
}

// AttachHandle increments the reference count that exempts a session from
// the idle watchdog while at least one client handle still references it.
func (s *Session) AttachHandle() {
	s.cmds <- func() { s.refCount++ }
}

// DetachHandle decrements the reference count; once it reaches zero the
// session becomes eligible for idle eviction again.
func (s *Session) DetachHandle() {
	s.cmds <- func() {
		if s.refCount > 0 {
			s.refCount--
		}
	}
}

func (s *Session) handleQueryMechanisms(ctx context.Context, wanted []string) ([]string, error) {
	sub, err := s.ensureSubordinate(ctx)
	if err != nil {
		return nil, err
	}
	available, err := sub.Mechanisms()
	if err != nil {
		return nil, err
	}
	if len(wanted) == 0 {
		return available, nil
	}
	want := map[string]bool{}
	for _, m := range wanted {
		want[m] = true
	}
	var out []string
	for _, m := range available {
		if want[m] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Session) enqueue(req *Request) {
	s.queue = append(s.queue, req)
	s.lastActivity = time.Now()
	if len(s.queue) == 1 {
		s.dispatch()
	}
}

// dispatch starts the head request, if any and none is already outstanding
// on the subordinate. It mirrors startProcess(): on m_id != 0, the stored
// username/password are spliced in underneath the request's own keys (the
// request's keys win), then the plugin is asked to process(); a refusal to
// even accept the request fails it immediately and moves on to the next.
func (s *Session) dispatch() {
	if len(s.queue) == 0 {
		return
	}
	head := s.queue[0]

	params := head.Data
	if !s.id.IsTransient() && s.cs != nil {
		if ident, err := s.cs.Credentials(context.Background(), s.id.Value(), true); err == nil {
			base := pluginhost.SessionData{"UserName": ident.Username, "Secret": ident.Password}
			params = base.Merge(head.Data)
		}
	}

	sub, err := s.ensureSubordinate(context.Background())
	if err != nil {
		s.replyAndDequeue(head, nil, signonerr.NewMethodNotAvailableError("could not start plugin host", err))
		s.dispatch()
		return
	}

	if err := sub.Process(head.Mechanism, params); err != nil {
		s.replyAndDequeue(head, nil, signonerr.NewRuntimeError("plugin refused the request", err))
		s.dispatch()
		return
	}

	s.emitSignal(head.CancelKey, stateSessionStarted, "The request is started successfully")
}

func (s *Session) ensureSubordinate(ctx context.Context) (*pluginhost.Subordinate, error) {
	if s.sub != nil && s.sub.State() != pluginhost.StateGone {
		return s.sub, nil
	}
	sub, err := s.host.Spawn(ctx, s.method)
	if err != nil {
		return nil, err
	}
	s.sub = sub
	return sub, nil
}

// handlePluginEvent is the other half of the dispatch loop: everything the
// subordinate says about the request currently at the head of the queue.
func (s *Session) handlePluginEvent(ev pluginhost.Event) {
	if len(s.queue) == 0 {
		return
	}
	head := s.queue[0]
	canceled := s.canceledKey != "" && s.canceledKey == head.CancelKey

	switch ev.Op {
	case pluginhost.OpResult:
		if canceled {
			s.replyAndDequeue(head, nil, signonerr.NewSessionCanceledError("the operation is canceled", nil))
			s.dispatch()
			return
		}
		data := ev.Data
		if s.method != "password" {
			data = data.WithoutSecret()
		}
		s.replyAndDequeue(head, data, nil)
		s.dispatch()

	case pluginhost.OpError:
		if canceled {
			s.replyAndDequeue(head, nil, signonerr.NewSessionCanceledError("the operation is canceled", nil))
			s.dispatch()
			return
		}
		s.replyAndDequeue(head, nil, signonerr.New(signonerr.KindFromCode(ev.ErrorKind), ev.ErrorMessage, nil))
		s.dispatch()

	case pluginhost.OpUI:
		if canceled {
			s.replyAndDequeue(head, nil, signonerr.NewSessionCanceledError("the operation is canceled", nil))
			s.dispatch()
			return
		}
		s.startUICall(head, ev.Data, false)

	case pluginhost.OpRefreshReply:
		if canceled {
			s.replyAndDequeue(head, nil, signonerr.NewSessionCanceledError("the operation is canceled", nil))
			s.dispatch()
			return
		}
		s.startUICall(head, ev.Data, true)

	case pluginhost.OpStore:
		if !canceled {
			s.handleStore(ev.Data)
		}

	case pluginhost.OpSignal:
		if !canceled {
			s.emitSignal(head.CancelKey, ev.SignalState, ev.SignalMessage)
		}
	}
}

func (s *Session) handleStore(data pluginhost.SessionData) {
	if s.id.IsTransient() || s.cs == nil {
		return
	}
	ident, err := s.cs.Credentials(context.Background(), s.id.Value(), true)
	if err != nil {
		return
	}
	if v, ok := data["UserName"].(string); ok {
		ident.Username = v
	}
	if v, ok := data["Secret"].(string); ok {
		ident.Password = v
		ident.StorePassword = true
	}
	owner, _ := s.cs.OwnerToken(context.Background(), s.id.Value())
	s.cs.Update(context.Background(), ident, ident.StorePassword, owner)
}

// startUICall cancels whatever UI call is outstanding (a session has at
// most one at a time) and opens a new one, symmetric between UI/Query and
// REFRESH_REPLY/Refresh. The call itself runs on its own goroutine so the
// loop stays responsive to Cancel while SignOnUI is thinking; its result
// comes back through the cmds channel like any other command.
func (s *Session) startUICall(head *Request, params pluginhost.SessionData, isRefresh bool) {
	if s.uiCancel != nil {
		s.uiCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.uiCancel = cancel

	cancelKey := head.CancelKey
	merged := params.Merge(pluginhost.SessionData{"requestId": cancelKey})

	go func() {
		var reply pluginhost.SessionData
		var err error
		if isRefresh {
			reply, err = s.ui.Refresh(ctx, cancelKey, merged)
		} else {
			reply, err = s.ui.Query(ctx, cancelKey, merged)
		}
		s.cmds <- func() { s.completeUICall(cancelKey, isRefresh, reply, err) }
	}()
}

func (s *Session) completeUICall(cancelKey string, isRefresh bool, reply pluginhost.SessionData, err error) {
	s.uiCancel = nil
	if len(s.queue) == 0 {
		return
	}
	head := s.queue[0]
	if head.CancelKey != cancelKey {
		return // stale: superseded or already canceled
	}
	sub := s.sub
	if sub == nil {
		return
	}

	if err != nil {
		augmented := pluginhost.SessionData{"signonui_error": "no-signon-ui"}
		if isRefresh {
			_ = sub.Refresh(augmented)
		} else {
			_ = sub.ProcessUI(augmented)
		}
		return
	}

	if refresh, _ := reply["refresh"].(bool); refresh && !isRefresh {
		_ = sub.Refresh(reply)
		return
	}
	if isRefresh {
		_ = sub.Refresh(reply)
	} else {
		_ = sub.ProcessUI(reply)
	}
}

// handleCancel implements cancel's two shapes: canceling the head waits for
// the subordinate's own terminal event (so the plugin can still clean up),
// canceling anything else behind it removes the request outright.
func (s *Session) handleCancel(cancelKey string) {
	if len(s.queue) == 0 {
		return
	}
	if s.queue[0].CancelKey == cancelKey {
		if s.canceledKey == cancelKey {
			return
		}
		s.canceledKey = cancelKey
		if s.uiCancel != nil {
			s.uiCancel()
			s.uiCancel = nil
		}
		if s.sub != nil {
			_ = s.sub.Cancel()
		}
		return
	}
	for i, r := range s.queue {
		if r.CancelKey == cancelKey {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			r.Reply <- Result{Err: signonerr.NewSessionCanceledError("the operation is canceled", nil)}
			close(r.Reply)
			return
		}
	}
}

func (s *Session) handleSetID(newID uint32) error {
	if !s.id.IsTransient() {
		return fmt.Errorf("session: identity already has a persisted id")
	}
	newKey := Persisted(newID).Key(s.method)
	if err := s.registry.rebind(s, newKey); err != nil {
		return err
	}
	s.id = Persisted(newID)
	return nil
}

func (s *Session) replyAndDequeue(req *Request, data pluginhost.SessionData, err *signonerr.Error) {
	if len(s.queue) > 0 && s.queue[0] == req {
		s.queue = s.queue[1:]
	}
	if s.canceledKey == req.CancelKey {
		s.canceledKey = ""
	}
	if err != nil {
		req.Reply <- Result{Err: err}
	} else {
		req.Reply <- Result{Data: data}
	}
	close(req.Reply)
}

func (s *Session) emitSignal(cancelKey string, state uint32, message string) {
	// State-change notifications are forwarded to the bus adaptor, which
	// owns the actual D-Bus signal emission; session core's job stops at
	// producing them.
	if s.registry.onSignal != nil {
		s.registry.onSignal(s.id, s.method, cancelKey, state, message)
	}
}

func (s *Session) handleSubordinateGone() {
	err := s.sub.GoneError()
	s.sub = nil
	if len(s.queue) == 0 {
		return
	}
	for _, req := range s.queue {
		req.Reply <- Result{Err: signonerr.NewInternalCommunicationError("plugin process exited unexpectedly", err)}
		close(req.Reply)
	}
	s.queue = nil
	s.canceledKey = ""
}

// checkIdle evicts the session if it has no attached handles and has been
// idle longer than maxIdle, mirroring subscribeWatchdog/unsubscribeWatchdog:
// only handle-free sessions are subject to the timer at all.
func (s *Session) checkIdle(maxIdle time.Duration) {
	done := make(chan struct{})
	s.cmds <- func() {
		if s.refCount == 0 && time.Since(s.lastActivity) > maxIdle {
			s.evict()
		}
		close(done)
	}
	<-done
}

func (s *Session) evict() {
	if s.sub != nil {
		_ = s.sub.Stop()
		s.sub = nil
	}
	for _, req := range s.queue {
		req.Reply <- Result{Err: signonerr.NewTimedOutError("session evicted after idle timeout", nil)}
		close(req.Reply)
	}
	s.queue = nil
	s.registry.remove(s)
	close(s.done)
}
