package main

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signond/signond/pkg/pluginhost"
)

// TestHelperProcess re-executes this binary's real main() when
// GO_WANT_HELPER_PROCESS is set, so the tests below can drive the actual
// plugin binary as a subordinate rather than poking at handler internals.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	main()
}

func spawnPlugin(t *testing.T) *pluginhost.Subordinate {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess")
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")

	sub, err := pluginhost.SpawnCmd("ssotest", cmd)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Stop() })
	return sub
}

func TestPluginType2ReportsFewerMechanisms(t *testing.T) {
	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "--", "-type=ssotest2")
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")

	sub, err := pluginhost.SpawnCmd("ssotest2", cmd)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Stop() })

	typ, err := sub.Type()
	require.NoError(t, err)
	assert.Equal(t, "ssotest2", typ)

	mechanisms, err := sub.Mechanisms()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mech1", "mech2", "mech3"}, mechanisms)
	assert.NotContains(t, mechanisms, "BLOB")
}

func TestPluginTypeAndMechanisms(t *testing.T) {
	sub := spawnPlugin(t)

	typ, err := sub.Type()
	require.NoError(t, err)
	assert.Equal(t, "ssotest", typ)

	mechanisms, err := sub.Mechanisms()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mech1", "mech2", "mech3", "BLOB"}, mechanisms)
}

func TestPluginMech1EmitsSignalsThenResult(t *testing.T) {
	sub := spawnPlugin(t)

	require.NoError(t, sub.Process("mech1", pluginhost.SessionData{"UserName": "alice"}))

	sawSignal := false
	for {
		select {
		case ev := <-sub.Events():
			switch ev.Op {
			case pluginhost.OpSignal:
				sawSignal = true
				assert.EqualValues(t, pluginStateWaiting, ev.SignalState)
			case pluginhost.OpResult:
				assert.True(t, sawSignal, "expected at least one SIGNAL before RESULT")
				assert.Equal(t, "testRealm_after_test", ev.Data["Realm"])
				return
			default:
				t.Fatalf("unexpected event op %v", ev.Op)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for RESULT")
		}
	}
}

func TestPluginMech2GoesThroughUIAndRespectsQueryErrorCode(t *testing.T) {
	sub := spawnPlugin(t)

	require.NoError(t, sub.Process("mech2", pluginhost.SessionData{}))
	drainUntilOp(t, sub, pluginhost.OpUI)

	require.NoError(t, sub.ProcessUI(pluginhost.SessionData{
		"QueryErrorCode": int64(queryErrorForbidden),
	}))

	select {
	case ev := <-sub.Events():
		require.Equal(t, pluginhost.OpError, ev.Op)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ERROR after forbidden ProcessUI")
	}
}

func TestPluginCancelDuringSignalLoop(t *testing.T) {
	sub := spawnPlugin(t)

	require.NoError(t, sub.Process("mech3", pluginhost.SessionData{}))
	select {
	case <-sub.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the first SIGNAL")
	}

	require.NoError(t, sub.Cancel())
	drainUntilOp(t, sub, pluginhost.OpError)
}

func drainUntilOp(t *testing.T, sub *pluginhost.Subordinate, want pluginhost.Opcode) {
	t.Helper()
	for {
		select {
		case ev := <-sub.Events():
			if ev.Op == want {
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for opcode %v", want)
		}
	}
}
