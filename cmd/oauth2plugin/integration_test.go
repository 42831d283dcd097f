package main

import (
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/oauth2-proxy/mockoidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signond/signond/pkg/pluginhost"
)

// TestHelperProcess re-executes this binary's real main() when
// GO_WANT_HELPER_PROCESS is set, mirroring the ssotestplugin idiom.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	main()
}

func spawnOAuth2Plugin(t *testing.T) *pluginhost.Subordinate {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess")
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")

	sub, err := pluginhost.SpawnCmd("oauth2", cmd)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Stop() })
	return sub
}

func startMockOIDC(t *testing.T) *mockoidc.MockOIDC {
	t.Helper()
	m, err := mockoidc.Run()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, m.Shutdown()) })

	m.QueueUser(&mockoidc.MockUser{
		Subject: "mock-user-sub-123",
		Email:   "testuser@example.com",
	})
	return m
}

// completeAuthorization drives mockoidc's authorization endpoint as a
// non-interactive browser: mockoidc pops the next queued user and redirects
// straight to redirectURI with a code, no login page involved.
func completeAuthorization(t *testing.T, authURL string) string {
	t.Helper()
	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(authURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode, "expected redirect from mockoidc")

	loc, err := resp.Location()
	require.NoError(t, err)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code, "mockoidc redirect carried no code")
	return code
}

// TestOAuth2PluginCompletesAuthorizationCodeFlowAgainstMockOIDC drives the
// real compiled plugin binary through a full authorization-code + PKCE
// exchange against a mockoidc instance: Process requests the authorization
// URL, the test completes it directly against mockoidc (standing in for the
// browser redirect a real client would perform), and ProcessUI exchanges the
// resulting code for tokens and verifies the ID token mockoidc issued.
func TestOAuth2PluginCompletesAuthorizationCodeFlowAgainstMockOIDC(t *testing.T) {
	m := startMockOIDC(t)
	cfg := m.Config()

	sub := spawnOAuth2Plugin(t)

	sessionData := pluginhost.SessionData{
		"IssuerUrl":    m.Issuer(),
		"ClientId":     cfg.ClientID,
		"ClientSecret": cfg.ClientSecret,
		"RedirectUri":  "http://localhost/callback",
		"Scopes":       []any{"openid", "email"},
	}

	require.NoError(t, sub.Process("authorization_code", sessionData))

	var authURL, codeVerifier string
	select {
	case ev := <-sub.Events():
		require.Equal(t, pluginhost.OpUI, ev.Op)
		authURL, _ = ev.Data["authorizationUrl"].(string)
		codeVerifier, _ = ev.Data["codeVerifier"].(string)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for UI request")
	}
	require.NotEmpty(t, authURL)
	require.NotEmpty(t, codeVerifier)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, m.AuthorizationEndpoint(), parsed.Scheme+"://"+parsed.Host+parsed.Path)

	code := completeAuthorization(t, authURL)

	uiReply := pluginhost.SessionData{}
	for k, v := range sessionData {
		uiReply[k] = v
	}
	uiReply["Code"] = code
	uiReply["codeVerifier"] = codeVerifier
	require.NoError(t, sub.ProcessUI(uiReply))

	select {
	case ev := <-sub.Events():
		require.Equal(t, pluginhost.OpResult, ev.Op, "got error: kind=%d message=%q", ev.ErrorKind, ev.ErrorMessage)
		assert.NotEmpty(t, ev.Data["AccessToken"])
		assert.Equal(t, "testuser@example.com", ev.Data["UserName"])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for RESULT")
	}
}
