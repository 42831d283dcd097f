// Command ssotestplugin is the sample "ssotest" authentication method used
// for local smoke testing and the session-core test suite's end-to-end
// scenarios. It has no real authentication logic: after a short delay that
// exercises the SIGNAL and cancel paths the way a real network-bound plugin
// would, mech1, mech3 and BLOB echo their input back with Realm set, and
// mech2 asks for a UI round trip and replies with the UserName and Secret it
// gets back.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/signond/signond/pkg/pluginhost"
	"github.com/signond/signond/pkg/signonerr"
)

const (
	pluginStateWaiting = 1
	statusTicks        = 10
	tickInterval       = 100 * time.Millisecond

	queryErrorNone      = 0
	queryErrorForbidden = 1
)

func main() {
	if pluginhost.IsSuperuser() {
		fmt.Fprintln(os.Stderr, "ssotestplugin: refusing to run as superuser")
		os.Exit(1)
	}

	conn, err := pluginhost.NewConn(os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := conn.Serve(&handler{methodType: parseType()}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// parseType reads the -type flag identifying which of the ssotest/ssotest2
// pair this process should report itself as; both are the same binary. A
// literal "--" argument, if present, separates a test harness's own flags
// (go test's -test.run and friends) from this binary's; everything before
// it is ignored so the flag set below never has to recognize those.
func parseType() string {
	args := os.Args[1:]
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	fs := flag.NewFlagSet("ssotestplugin", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	methodType := fs.String("type", "ssotest", "method type to report (ssotest or ssotest2)")
	_ = fs.Parse(args)
	return *methodType
}

type handler struct {
	methodType string

	mu     sync.Mutex
	cancel func()
}

func (h *handler) Type() string { return h.methodType }

// Mechanisms reports BLOB only for the "ssotest" identity; "ssotest2" is the
// same plugin minus the blob-framed mechanism, used to exercise queryMethods
// returning more than one method backed by a single binary.
func (h *handler) Mechanisms() []string {
	if h.methodType == "ssotest2" {
		return []string{"mech1", "mech2", "mech3"}
	}
	return []string{"mech1", "mech2", "mech3", "BLOB"}
}

// Process runs the 10-tick status loop on its own goroutine (Conn.Serve
// already dispatches it that way) so a concurrent CANCEL can interrupt it.
func (h *handler) Process(conn *pluginhost.Conn, mechanism string, data pluginhost.SessionData) {
	if !contains(h.Mechanisms(), mechanism) {
		_ = conn.Error(signonerr.CodeForKind(signonerr.MechanismNotAvailable), "the given mechanism is unavailable")
		return
	}

	done := make(chan struct{})
	canceled := make(chan struct{})
	var cancelOnce sync.Once
	h.mu.Lock()
	h.cancel = func() { cancelOnce.Do(func() { close(canceled) }) }
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.cancel = nil
		h.mu.Unlock()
	}()

	go func() {
		defer close(done)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for i := 0; i < statusTicks; i++ {
			select {
			case <-canceled:
				return
			case <-ticker.C:
				_ = conn.Signal(pluginStateWaiting, "hello from the test plugin")
			}
		}
	}()

	select {
	case <-canceled:
		_ = conn.Error(signonerr.CodeForKind(signonerr.SessionCanceled), "the operation is canceled")
		return
	case <-done:
	}

	out := data.Clone()
	out["Realm"] = "testRealm_after_test"

	switch mechanism {
	case "mech2":
		_ = conn.UI(pluginhost.SessionData{"queryPassword": true})
	default:
		_ = conn.Result(out)
	}
}

// ProcessUI implements the plugin's side of mech2's UI round trip, mirroring
// userActionFinished's QueryErrorCode branches.
func (*handler) ProcessUI(conn *pluginhost.Conn, data pluginhost.SessionData) {
	code, _ := data["QueryErrorCode"].(int64)
	switch code {
	case queryErrorNone:
		_ = conn.Result(pluginhost.SessionData{
			"UserName": data["UserName"],
			"Secret":   data["Secret"],
		})
	case queryErrorForbidden:
		_ = conn.Error(signonerr.CodeForKind(signonerr.PermissionDenied), "userActionFinished forbidden")
	default:
		_ = conn.Error(signonerr.CodeForKind(signonerr.UserInteraction), fmt.Sprintf("userActionFinished error: %d", code))
	}
}

func (*handler) Refresh(conn *pluginhost.Conn, data pluginhost.SessionData) {
	_ = conn.Result(data)
}

func (h *handler) Cancel(_ *pluginhost.Conn) {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
