package pluginhost

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helperHandler is the in-process plugin implementation driven by
// TestHelperProcess, mirroring the sample test plugin's mech1/mech2 split.
type helperHandler struct{}

func (helperHandler) Type() string { return "ssotest" }

func (helperHandler) Mechanisms() []string { return []string{"mech1", "mech2", "mech3", "BLOB"} }

func (helperHandler) Process(conn *Conn, mechanism string, data SessionData) {
	if mechanism == "unknown" {
		_ = conn.Error(1, "mechanism not available")
		return
	}
	if mechanism == "mech2" {
		_ = conn.UI(SessionData{"queryPassword": true})
		return
	}
	out := data.Clone()
	out["Realm"] = "testRealm_after_test"
	_ = conn.Result(out)
}

func (helperHandler) ProcessUI(conn *Conn, data SessionData) {
	_ = conn.Result(SessionData{"UserName": data["UserName"]})
}

func (helperHandler) Refresh(conn *Conn, data SessionData) {
	_ = conn.Result(data)
}

func (helperHandler) Cancel(conn *Conn) {
	_ = conn.Error(21, "canceled")
}

// TestHelperProcess is not a real test; it is re-executed as a subprocess by
// spawnHelper below with GO_WANT_HELPER_PROCESS=1 set, acting as the
// subordinate side of the wire protocol under test.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	conn, err := NewConn(os.Stdin, os.Stdout)
	if err != nil {
		os.Exit(1)
	}
	_ = conn.Serve(helperHandler{})
	os.Exit(0)
}

func spawnHelper(t *testing.T) *Subordinate {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess")
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")

	sub, err := SpawnCmd("ssotest", cmd)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Stop() })
	return sub
}

func TestSubordinateTypeAndMechanisms(t *testing.T) {
	sub := spawnHelper(t)

	typ, err := sub.Type()
	require.NoError(t, err)
	assert.Equal(t, "ssotest", typ)

	mechanisms, err := sub.Mechanisms()
	require.NoError(t, err)
	assert.Len(t, mechanisms, 4)
}

func TestSubordinateProcessMech1(t *testing.T) {
	sub := spawnHelper(t)

	require.NoError(t, sub.Process("mech1", SessionData{"height": int64(123)}))

	select {
	case ev := <-sub.Events():
		require.Equal(t, OpResult, ev.Op)
		assert.Equal(t, "testRealm_after_test", ev.Data["Realm"])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for RESULT")
	}

	assert.Equal(t, StateIdle, sub.State())
}

func TestSubordinateProcessMech2RequiresUI(t *testing.T) {
	sub := spawnHelper(t)

	require.NoError(t, sub.Process("mech2", SessionData{}))

	select {
	case ev := <-sub.Events():
		require.Equal(t, OpUI, ev.Op)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for UI")
	}

	require.Equal(t, StateAwaitUI, sub.State())

	require.NoError(t, sub.ProcessUI(SessionData{"UserName": "the user"}))

	select {
	case ev := <-sub.Events():
		require.Equal(t, OpResult, ev.Op)
		assert.Equal(t, "the user", ev.Data["UserName"])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for RESULT after ProcessUI")
	}
}

func TestSubordinateRejectsConcurrentProcess(t *testing.T) {
	sub := spawnHelper(t)

	require.NoError(t, sub.Process("mech2", SessionData{}))
	// mech2 replies with UI, so a second PROCESS while outstanding must be
	// rejected by the subordinate's own state machine.
	assert.Error(t, sub.Process("mech1", SessionData{}))
}

func TestSubordinateGoneOnExit(t *testing.T) {
	sub := spawnHelper(t)

	require.NoError(t, sub.Stop())

	select {
	case <-sub.Gone():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for subordinate to be marked gone")
	}
}
