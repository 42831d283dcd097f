package session

import "fmt"

// IdentityID is the sum type {New, Persisted(u32)} the design notes ask for,
// so an id of 0 meaning "unsaved" is never a bare magic number at the API
// boundary.
type IdentityID struct {
	persisted bool
	value     uint32
}

// Transient is the "new/unsaved" identity sentinel.
var Transient = IdentityID{}

// Persisted wraps a strictly positive, stored identity id.
func Persisted(value uint32) IdentityID {
	return IdentityID{persisted: true, value: value}
}

// IsTransient reports whether this is the unsaved sentinel.
func (i IdentityID) IsTransient() bool { return !i.persisted }

// Value returns the underlying id; callers must check IsTransient first.
func (i IdentityID) Value() uint32 { return i.value }

// Key returns the session registry lookup key for (id, method), the literal
// concatenation string(identity-id) + "+" + method.
func (i IdentityID) Key(method string) string {
	return fmt.Sprintf("%d+%s", i.value, method)
}
