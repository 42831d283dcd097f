package pluginhost

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// SessionData is the session-data map threaded between session core, the
// plugin host wire protocol and a subordinate: string keys to a tagged
// variant (string, int64, bool, []byte or a nested map). CBOR (rather than
// JSON) is the blob encoding because it round-trips the []byte variant
// natively, which the BLOB mechanism and secret fields rely on.
type SessionData map[string]any

// EncodeBlob serializes data as the CBOR payload carried inside a blob
// frame.
func EncodeBlob(data SessionData) ([]byte, error) {
	b, err := cbor.Marshal(map[string]any(data))
	if err != nil {
		return nil, fmt.Errorf("pluginhost: encode blob: %w", err)
	}
	return b, nil
}

// blobDecMode decodes every CBOR integer as int64 (rather than cbor's
// default of uint64 for non-negative values), so a handler can type-assert
// a numeric session-data field without caring about its sign.
var blobDecMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{IntDec: cbor.IntDecConvertSigned}.DecMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// DecodeBlob deserializes a blob frame's payload. A failure here is a fatal
// protocol error on the subordinate that produced it.
func DecodeBlob(payload []byte) (SessionData, error) {
	var m map[string]any
	if err := blobDecMode.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("pluginhost: decode blob: %w", err)
	}
	return SessionData(m), nil
}

// Clone returns a shallow copy of d.
func (d SessionData) Clone() SessionData {
	out := make(SessionData, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge returns a new SessionData with other's keys overlaid on d; keys in
// other take precedence, matching the request-dispatch splice rule (later
// keys in the request's own map take precedence).
func (d SessionData) Merge(other SessionData) SessionData {
	out := d.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// WithoutSecret returns a copy of d with the Secret key removed, used when
// replying success for any method other than the literal "password".
func (d SessionData) WithoutSecret() SessionData {
	out := d.Clone()
	delete(out, "Secret")
	return out
}
