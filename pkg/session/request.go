package session

import (
	"github.com/signond/signond/pkg/pluginhost"
	"github.com/signond/signond/pkg/signonerr"
)

// Request is one queued authentication attempt: a mechanism, its session
// data, an opaque cancel-key the caller uses to cancel it later, and the
// channel its eventual outcome is delivered on.
type Request struct {
	CancelKey string
	Mechanism string
	Data      pluginhost.SessionData
	Reply     chan Result
}

// Result is the one value ever sent on a Request's Reply channel before it
// is closed: either the plugin's session-data result, or a typed failure.
type Result struct {
	Data pluginhost.SessionData
	Err  *signonerr.Error
}

// NewRequest builds a queueable request with a buffered, single-value reply
// channel.
func NewRequest(cancelKey, mechanism string, data pluginhost.SessionData) *Request {
	return &Request{
		CancelKey: cancelKey,
		Mechanism: mechanism,
		Data:      data,
		Reply:     make(chan Result, 1),
	}
}
