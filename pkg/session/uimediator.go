package session

import (
	"context"

	"github.com/signond/signond/pkg/pluginhost"
)

// UIMediator is the SignOnUI collaborator a session calls out to when a
// plugin asks for interactive input (UI) or a refresh challenge
// (REFRESH_REPLY). A session holds at most one outstanding call at a time;
// starting a new one cancels whichever is in flight.
//
//go:generate mockgen -destination=mocks/mock_uimediator.go -package=mocks -source=uimediator.go UIMediator
type UIMediator interface {
	// Query mediates a UI request. params carries the plugin's UI payload
	// plus "requestId" set to cancelKey.
	Query(ctx context.Context, cancelKey string, params pluginhost.SessionData) (pluginhost.SessionData, error)
	// Refresh mediates a refresh challenge, symmetric to Query.
	Refresh(ctx context.Context, cancelKey string, params pluginhost.SessionData) (pluginhost.SessionData, error)
}

// Signal states a session emits alongside a plugin's SIGNAL/state-change
// notifications; sessionStarted additionally fires once a request is handed
// to a freshly dispatched plugin.
const (
	stateSessionStarted uint32 = 1
)
