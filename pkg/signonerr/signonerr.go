// Package signonerr defines the canonical error taxonomy shared by the
// credentials store, the plugin host and session core.
package signonerr

import "fmt"

// Kind identifies one of the well-known failure categories a client-facing
// operation can fail with.
type Kind string

// The canonical error kinds, in the order documented by the error handling
// design.
const (
	Unknown                Kind = "Unknown"
	InternalServer          Kind = "InternalServer"
	InternalCommunication   Kind = "InternalCommunication"
	PermissionDenied        Kind = "PermissionDenied"
	MethodNotKnown          Kind = "MethodNotKnown"
	MethodNotAvailable      Kind = "MethodNotAvailable"
	MechanismNotAvailable   Kind = "MechanismNotAvailable"
	ServiceNotAvailable     Kind = "ServiceNotAvailable"
	InvalidQuery            Kind = "InvalidQuery"
	IdentityNotFound        Kind = "IdentityNotFound"
	StoreFailed             Kind = "StoreFailed"
	RemoveFailed            Kind = "RemoveFailed"
	MissingData             Kind = "MissingData"
	InvalidCredentials      Kind = "InvalidCredentials"
	WrongState              Kind = "WrongState"
	OperationNotSupported   Kind = "OperationNotSupported"
	NoConnection            Kind = "NoConnection"
	Network                 Kind = "Network"
	Ssl                     Kind = "Ssl"
	Runtime                 Kind = "Runtime"
	SessionCanceled         Kind = "SessionCanceled"
	TimedOut                Kind = "TimedOut"
	UserInteraction         Kind = "UserInteraction"
	OperationFailed         Kind = "OperationFailed"
)

// UserBase is the sentinel above which plugins may define their own error
// codes (the wire protocol's numeric "User + n" kind).
const UserBase = 1 << 16

// Error is the typed error every client-facing operation returns.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New builds an Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause, if any, to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is match another *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// constructor generates the New<Kind>Error(message, cause) helpers used
// throughout the core, one per taxonomy entry.
func constructor(kind Kind) func(string, error) *Error {
	return func(message string, cause error) *Error {
		return New(kind, message, cause)
	}
}

var (
	NewUnknownError              = constructor(Unknown)
	NewInternalServerError       = constructor(InternalServer)
	NewInternalCommunicationError = constructor(InternalCommunication)
	NewPermissionDeniedError     = constructor(PermissionDenied)
	NewMethodNotKnownError       = constructor(MethodNotKnown)
	NewMethodNotAvailableError   = constructor(MethodNotAvailable)
	NewMechanismNotAvailableError = constructor(MechanismNotAvailable)
	NewServiceNotAvailableError  = constructor(ServiceNotAvailable)
	NewInvalidQueryError         = constructor(InvalidQuery)
	NewIdentityNotFoundError     = constructor(IdentityNotFound)
	NewStoreFailedError          = constructor(StoreFailed)
	NewRemoveFailedError         = constructor(RemoveFailed)
	NewMissingDataError          = constructor(MissingData)
	NewInvalidCredentialsError   = constructor(InvalidCredentials)
	NewWrongStateError           = constructor(WrongState)
	NewOperationNotSupportedError = constructor(OperationNotSupported)
	NewNoConnectionError         = constructor(NoConnection)
	NewNetworkError              = constructor(Network)
	NewSslError                  = constructor(Ssl)
	NewRuntimeError              = constructor(Runtime)
	NewSessionCanceledError      = constructor(SessionCanceled)
	NewTimedOutError             = constructor(TimedOut)
	NewUserInteractionError      = constructor(UserInteraction)
	NewOperationFailedError      = constructor(OperationFailed)
)

// NewUserError builds a plugin-defined error code above UserBase.
func NewUserError(code uint32, message string) *Error {
	return &Error{Kind: Kind(fmt.Sprintf("User+%d", code)), Message: message}
}

// wireOrder fixes a stable numeric code for every built-in kind, for the
// ERROR opcode's u32 kind field. Index in this slice is the wire code;
// plugins construct it with CodeForKind and the host decodes it back with
// KindFromCode. Codes at or above UserBase are plugin-defined instead.
var wireOrder = []Kind{
	Unknown, InternalServer, InternalCommunication, PermissionDenied,
	MethodNotKnown, MethodNotAvailable, MechanismNotAvailable, ServiceNotAvailable,
	InvalidQuery, IdentityNotFound, StoreFailed, RemoveFailed,
	MissingData, InvalidCredentials, WrongState, OperationNotSupported,
	NoConnection, Network, Ssl, Runtime,
	SessionCanceled, TimedOut, UserInteraction, OperationFailed,
}

// CodeForKind returns kind's wire code, for a plugin emitting an ERROR.
func CodeForKind(kind Kind) uint32 {
	for i, k := range wireOrder {
		if k == kind {
			return uint32(i)
		}
	}
	return 0
}

// KindFromCode maps a wire ERROR code back to a Kind. Codes above UserBase
// become a User+n kind instead of one of the built-ins.
func KindFromCode(code uint32) Kind {
	if code >= UserBase {
		return Kind(fmt.Sprintf("User+%d", code-UserBase))
	}
	if int(code) < len(wireOrder) {
		return wireOrder[code]
	}
	return Unknown
}

// Is<Kind> checkers, mirroring the constructor list above.
func isKind(err error, kind Kind) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == kind
}

func IsUnknown(err error) bool              { return isKind(err, Unknown) }
func IsInternalServer(err error) bool       { return isKind(err, InternalServer) }
func IsInternalCommunication(err error) bool { return isKind(err, InternalCommunication) }
func IsPermissionDenied(err error) bool     { return isKind(err, PermissionDenied) }
func IsMethodNotKnown(err error) bool       { return isKind(err, MethodNotKnown) }
func IsMethodNotAvailable(err error) bool   { return isKind(err, MethodNotAvailable) }
func IsMechanismNotAvailable(err error) bool { return isKind(err, MechanismNotAvailable) }
func IsServiceNotAvailable(err error) bool  { return isKind(err, ServiceNotAvailable) }
func IsInvalidQuery(err error) bool         { return isKind(err, InvalidQuery) }
func IsIdentityNotFound(err error) bool     { return isKind(err, IdentityNotFound) }
func IsStoreFailed(err error) bool          { return isKind(err, StoreFailed) }
func IsRemoveFailed(err error) bool         { return isKind(err, RemoveFailed) }
func IsMissingData(err error) bool          { return isKind(err, MissingData) }
func IsInvalidCredentials(err error) bool   { return isKind(err, InvalidCredentials) }
func IsWrongState(err error) bool           { return isKind(err, WrongState) }
func IsOperationNotSupported(err error) bool { return isKind(err, OperationNotSupported) }
func IsNoConnection(err error) bool         { return isKind(err, NoConnection) }
func IsNetwork(err error) bool              { return isKind(err, Network) }
func IsSsl(err error) bool                  { return isKind(err, Ssl) }
func IsRuntime(err error) bool              { return isKind(err, Runtime) }
func IsSessionCanceled(err error) bool      { return isKind(err, SessionCanceled) }
func IsTimedOut(err error) bool             { return isKind(err, TimedOut) }
func IsUserInteraction(err error) bool      { return isKind(err, UserInteraction) }
func IsOperationFailed(err error) bool      { return isKind(err, OperationFailed) }
