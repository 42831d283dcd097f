// Command oauth2plugin is a real authentication method: it drives an OAuth2
// authorization-code + PKCE exchange against a configured OIDC provider and
// verifies the resulting ID token, speaking the same child-process wire
// protocol as ssotestplugin. It supplements the sample-only plugin the
// original tree ships, since signond's GLOSSARY names "oauth2" as an
// example authentication method in its own right.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/signond/signond/pkg/pluginhost"
	"github.com/signond/signond/pkg/signonerr"
)

func main() {
	if pluginhost.IsSuperuser() {
		fmt.Fprintln(os.Stderr, "oauth2plugin: refusing to run as superuser")
		os.Exit(1)
	}

	conn, err := pluginhost.NewConn(os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := conn.Serve(&handler{}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type handler struct{}

func (*handler) Type() string { return "oauth2" }

func (*handler) Mechanisms() []string { return []string{"authorization_code"} }

// Process either starts the authorization round trip (no Code in data yet,
// so a UI call is requested with the authorization URL and a PKCE verifier
// the host must round-trip back) or, if the caller already has a Code
// (non-interactive re-auth with a cached code, or a refresh-token retry),
// exchanges it immediately.
func (*handler) Process(conn *pluginhost.Conn, mechanism string, data pluginhost.SessionData) {
	if mechanism != "authorization_code" {
		_ = conn.Error(signonerr.CodeForKind(signonerr.MechanismNotAvailable), "the given mechanism is unavailable")
		return
	}

	cfg, err := configFromSessionData(data)
	if err != nil {
		_ = conn.Error(signonerr.CodeForKind(signonerr.MissingData), err.Error())
		return
	}

	ctx := context.Background()
	oauth2Cfg, provider, err := buildOAuth2Config(ctx, cfg)
	if err != nil {
		_ = conn.Error(signonerr.CodeForKind(signonerr.Network), fmt.Sprintf("oidc discovery: %v", err))
		return
	}

	if code, ok := data["Code"].(string); ok && code != "" {
		verifier, _ := data["CodeVerifier"].(string)
		exchangeAndReply(conn, ctx, oauth2Cfg, provider, cfg.clientID, code, verifier)
		return
	}

	verifier := newPKCEVerifier()
	authURL := oauth2Cfg.AuthCodeURL("", oauth2.S256ChallengeOption(verifier))

	_ = conn.UI(pluginhost.SessionData{
		"authorizationUrl": authURL,
		"codeVerifier":     verifier,
	})
}

// ProcessUI receives the redirect's authorization code (and the PKCE
// verifier round-tripped back unchanged) and completes the exchange.
func (*handler) ProcessUI(conn *pluginhost.Conn, data pluginhost.SessionData) {
	cfg, err := configFromSessionData(data)
	if err != nil {
		_ = conn.Error(signonerr.CodeForKind(signonerr.MissingData), err.Error())
		return
	}
	code, _ := data["Code"].(string)
	verifier, _ := data["codeVerifier"].(string)
	if code == "" {
		_ = conn.Error(signonerr.CodeForKind(signonerr.UserInteraction), "no authorization code returned")
		return
	}

	ctx := context.Background()
	oauth2Cfg, provider, err := buildOAuth2Config(ctx, cfg)
	if err != nil {
		_ = conn.Error(signonerr.CodeForKind(signonerr.Network), fmt.Sprintf("oidc discovery: %v", err))
		return
	}
	exchangeAndReply(conn, ctx, oauth2Cfg, provider, cfg.clientID, code, verifier)
}

func (*handler) Refresh(conn *pluginhost.Conn, data pluginhost.SessionData) {
	cfg, err := configFromSessionData(data)
	if err != nil {
		_ = conn.Error(signonerr.CodeForKind(signonerr.MissingData), err.Error())
		return
	}
	refreshToken, _ := data["RefreshToken"].(string)
	if refreshToken == "" {
		_ = conn.Error(signonerr.CodeForKind(signonerr.InvalidCredentials), "no refresh token available")
		return
	}

	ctx := context.Background()
	oauth2Cfg, _, err := buildOAuth2Config(ctx, cfg)
	if err != nil {
		_ = conn.Error(signonerr.CodeForKind(signonerr.Network), fmt.Sprintf("oidc discovery: %v", err))
		return
	}

	src := oauth2Cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		_ = conn.Error(signonerr.CodeForKind(signonerr.NoConnection), fmt.Sprintf("refresh failed: %v", err))
		return
	}
	_ = conn.Result(pluginhost.SessionData{
		"AccessToken":  token.AccessToken,
		"RefreshToken": token.RefreshToken,
	})
}

func (*handler) Cancel(conn *pluginhost.Conn) {
	_ = conn.Error(signonerr.CodeForKind(signonerr.SessionCanceled), "the operation is canceled")
}

type oauthConfig struct {
	issuerURL    string
	clientID     string
	clientSecret string
	redirectURI  string
	scopes       []string
}

func configFromSessionData(data pluginhost.SessionData) (oauthConfig, error) {
	issuer, _ := data["IssuerUrl"].(string)
	clientID, _ := data["ClientId"].(string)
	if issuer == "" || clientID == "" {
		return oauthConfig{}, fmt.Errorf("oauth2plugin: IssuerUrl and ClientId are required")
	}
	secret, _ := data["ClientSecret"].(string)
	redirect, _ := data["RedirectUri"].(string)

	var scopes []string
	if raw, ok := data["Scopes"].([]any); ok {
		for _, s := range raw {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
	}
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	return oauthConfig{
		issuerURL:    issuer,
		clientID:     clientID,
		clientSecret: secret,
		redirectURI:  redirect,
		scopes:       scopes,
	}, nil
}

func buildOAuth2Config(ctx context.Context, cfg oauthConfig) (*oauth2.Config, *oidc.Provider, error) {
	provider, err := oidc.NewProvider(ctx, cfg.issuerURL)
	if err != nil {
		return nil, nil, err
	}
	return &oauth2.Config{
		ClientID:     cfg.clientID,
		ClientSecret: cfg.clientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  cfg.redirectURI,
		Scopes:       cfg.scopes,
	}, provider, nil
}

func exchangeAndReply(conn *pluginhost.Conn, ctx context.Context, oauth2Cfg *oauth2.Config, provider *oidc.Provider, clientID, code, verifier string) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	token, err := oauth2Cfg.Exchange(ctx, code, opts...)
	if err != nil {
		_ = conn.Error(signonerr.CodeForKind(signonerr.NoConnection), fmt.Sprintf("code exchange failed: %v", err))
		return
	}

	result := pluginhost.SessionData{
		"AccessToken":  token.AccessToken,
		"RefreshToken": token.RefreshToken,
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if ok {
		verifier := provider.Verifier(&oidc.Config{ClientID: clientID})
		idToken, err := verifier.Verify(ctx, rawIDToken)
		if err != nil {
			_ = conn.Error(signonerr.CodeForKind(signonerr.InvalidCredentials), fmt.Sprintf("id_token verification failed: %v", err))
			return
		}
		var claims struct {
			Subject string `json:"sub"`
			Email   string `json:"email"`
		}
		if err := idToken.Claims(&claims); err == nil {
			if claims.Email != "" {
				result["UserName"] = claims.Email
			} else {
				result["UserName"] = claims.Subject
			}
		}
	}

	if exp, ok := accessTokenExpiry(token.AccessToken); ok {
		result["AccessTokenExpiry"] = exp
	}

	_ = conn.Result(result)
}

// accessTokenExpiry best-effort decodes a JWT-formatted access token's "exp"
// claim, without verifying its signature: the token was just issued by the
// provider we talked to directly, so the only thing this buys the caller is
// knowing when to call Refresh without re-probing the provider. Opaque
// (non-JWT) access tokens simply don't decode, which is not an error.
func accessTokenExpiry(accessToken string) (int64, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return 0, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0, false
	}
	return exp.Unix(), true
}

func newPKCEVerifier() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
