// Package busadaptor exposes signond's daemon, identity and session object
// roles over D-Bus. It is intentionally thin: most bus methods here are a
// direct call into the session core or the credentials store (store,
// requestCredentialsUpdate and verifyUser add a few steps of glue around
// such calls), and signal emission just forwards notifications those
// packages already produce.
package busadaptor

import (
	"context"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/signond/signond/pkg/credentialsdb"
	"github.com/signond/signond/pkg/logger"
	"github.com/signond/signond/pkg/pluginhost"
	"github.com/signond/signond/pkg/session"
	"github.com/signond/signond/pkg/signonerr"
)

// Object paths and interface names, carried over verbatim from the
// signoncommon.h family this adaptor is wire-compatible with.
const (
	ServicePrefix = "com.nokia.singlesignon"

	DaemonObjectPath     = "/com/nokia/SingleSignon"
	DaemonInterface      = ServicePrefix + ".SignonDaemon"
	IdentityInterface    = ServicePrefix + ".SignonIdentity"
	AuthSessionInterface = ServicePrefix + ".SignonAuthSession"
)

// Adaptor owns the bus connection and the daemon-level object; Identity and
// AuthSession objects are exported per-request under generated paths.
type Adaptor struct {
	conn *dbus.Conn
	cs   *credentialsdb.Store
	reg  *session.Registry
}

// New connects to the session bus, exports the daemon object and requests
// the well-known service name.
func New(cs *credentialsdb.Store, reg *session.Registry) (*Adaptor, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("busadaptor: connect session bus: %w", err)
	}

	a := &Adaptor{conn: conn, cs: cs, reg: reg}
	reg.OnSignal(a.emitStateChanged)

	if err := conn.Export(a, dbus.ObjectPath(DaemonObjectPath), DaemonInterface); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("busadaptor: export daemon object: %w", err)
	}

	reply, err := conn.RequestName(ServicePrefix, dbus.NameFlagDoNotQueue)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("busadaptor: request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		_ = conn.Close()
		return nil, fmt.Errorf("busadaptor: %s is already owned on this bus", ServicePrefix)
	}

	return a, nil
}

// Close releases the bus connection.
func (a *Adaptor) Close() error {
	return a.conn.Close()
}

// RegisterNewIdentity implements the SignonDaemon.registerNewIdentity bus
// method: it hands back a fresh Identity object path for a transient
// identity, with no credentials store row yet.
func (a *Adaptor) RegisterNewIdentity(applicationContext string) (dbus.ObjectPath, *dbus.Error) {
	path := a.nextPath("Identity")
	id := &identityObject{adaptor: a, id: session.Transient, path: path}
	if err := a.conn.Export(id, path, IdentityInterface); err != nil {
		return "", dbus.MakeFailedError(err)
	}
	logger.Log.Infof("registered new transient identity at %s for %q", path, applicationContext)
	return path, nil
}

// RegisterIdentity implements SignonDaemon.registerIdentity: it validates
// the identity exists in CS, then exports an Identity object bound to it.
func (a *Adaptor) RegisterIdentity(identityID uint32, applicationContext string) (dbus.ObjectPath, *dbus.Error) {
	if _, err := a.cs.Credentials(context.Background(), identityID, false); err != nil {
		return "", toDBusError(err)
	}
	path := a.nextPath("Identity")
	id := &identityObject{adaptor: a, id: session.Persisted(identityID), path: path}
	if err := a.conn.Export(id, path, IdentityInterface); err != nil {
		return "", dbus.MakeFailedError(err)
	}
	logger.Log.Infof("registered identity %d at %s for %q", identityID, path, applicationContext)
	return path, nil
}

// QueryMethods implements SignonDaemon.queryMethods.
func (a *Adaptor) QueryMethods() ([]string, *dbus.Error) {
	methods, err := a.reg.Host().AvailableMethods()
	if err != nil {
		return nil, toDBusError(err)
	}
	return methods, nil
}

// QueryMechanisms implements SignonDaemon.queryMechanisms.
func (a *Adaptor) QueryMechanisms(method string) ([]string, *dbus.Error) {
	mechanisms, err := a.reg.Host().Mechanisms(context.Background(), method)
	if err != nil {
		return nil, toDBusError(err)
	}
	return mechanisms, nil
}

// QueryIdentities implements SignonDaemon.queryIdentities. filter is
// interpreted by CredentialsFiltered: an empty map matches everything.
func (a *Adaptor) QueryIdentities(filter map[string]dbus.Variant) ([]map[string]dbus.Variant, *dbus.Error) {
	idents, err := a.cs.CredentialsFiltered(context.Background(), variantMapToStringMap(filter))
	if err != nil {
		return nil, toDBusError(err)
	}
	out := make([]map[string]dbus.Variant, len(idents))
	for i, ident := range idents {
		out[i] = identityToVariantMap(ident)
	}
	return out, nil
}

// Clear implements SignonDaemon.clear.
func (a *Adaptor) Clear() (bool, *dbus.Error) {
	return a.cs.Clear(context.Background()), nil
}

// GetAuthSessionObjectPath implements SignonDaemon.getAuthSessionObjectPath:
// the same session lookup GetAuthSession does, addressed by identity id
// directly instead of through an already-exported Identity object.
func (a *Adaptor) GetAuthSessionObjectPath(identityID uint32, method string) (dbus.ObjectPath, *dbus.Error) {
	id := session.Transient
	if identityID != 0 {
		id = session.Persisted(identityID)
	}
	sess := a.reg.GetOrCreate(id, method)
	sess.AttachHandle()
	path := a.nextPath("AuthSession")
	authSession := &authSessionObject{session: sess}
	if err := a.conn.Export(authSession, path, AuthSessionInterface); err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return path, nil
}

// nextPath mints a fresh object path for a per-request Identity or
// AuthSession object. The suffix only needs to be unique within this
// process's lifetime; a UUID avoids a shared counter across concurrent bus
// calls.
func (a *Adaptor) nextPath(kind string) dbus.ObjectPath {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return dbus.ObjectPath(fmt.Sprintf("%s/%s_%s", DaemonObjectPath, kind, suffix))
}

func (a *Adaptor) emitStateChanged(id session.IdentityID, method, cancelKey string, state uint32, message string) {
	_ = a.conn.Emit(dbus.ObjectPath(DaemonObjectPath), AuthSessionInterface+".stateChanged", cancelKey, state, message)
}

// identityObject is one exported SignonIdentity object, bound to a single
// identity id (possibly still transient).
type identityObject struct {
	adaptor *Adaptor
	id      session.IdentityID
	path    dbus.ObjectPath
}

// GetInfo implements SignonIdentity.getInfo.
func (o *identityObject) GetInfo() (map[string]dbus.Variant, *dbus.Error) {
	if o.id.IsTransient() {
		return map[string]dbus.Variant{}, nil
	}
	ident, err := o.adaptor.cs.Credentials(context.Background(), o.id.Value(), false)
	if err != nil {
		return nil, toDBusError(err)
	}
	return identityToVariantMap(ident), nil
}

// GetAuthSession implements SignonIdentity.getAuthSession: it gets or
// creates the session-core actor for (identity, method) and exports an
// AuthSession object bound to it.
func (o *identityObject) GetAuthSession(method string) (dbus.ObjectPath, *dbus.Error) {
	sess := o.adaptor.reg.GetOrCreate(o.id, method)
	sess.AttachHandle()
	path := o.adaptor.nextPath("AuthSession")
	authSession := &authSessionObject{session: sess}
	if err := o.adaptor.conn.Export(authSession, path, AuthSessionInterface); err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return path, nil
}

// Store implements SignonIdentity.store: creates or rewrites the identity's
// CS row. sender is populated by godbus from the caller's bus-unique-name,
// not supplied by the client, and becomes the synthesized "AID::" owner
// token so the caller that created the identity keeps access regardless of
// the ACL it submitted. On update an existing owner token is kept; the
// caller's token is used only when the identity has none yet.
func (o *identityObject) Store(info map[string]dbus.Variant, sender dbus.Sender) (uint32, *dbus.Error) {
	ident := variantMapToIdentity(info)
	ctx := context.Background()
	owner := "AID::" + string(sender)

	var id uint32
	if o.id.IsTransient() {
		id = o.adaptor.cs.Insert(ctx, ident, ident.StorePassword, owner)
	} else {
		ident.ID = o.id.Value()
		if existing, ok := o.adaptor.cs.OwnerToken(ctx, o.id.Value()); ok {
			owner = existing
		}
		id = o.adaptor.cs.Update(ctx, ident, ident.StorePassword, owner)
	}
	if id == 0 {
		return 0, toDBusError(o.adaptor.cs.LastError())
	}
	o.id = session.Persisted(id)
	o.emitInfoUpdated()
	return id, nil
}

// Remove implements SignonIdentity.remove.
func (o *identityObject) Remove() *dbus.Error {
	if o.id.IsTransient() {
		return nil
	}
	if !o.adaptor.cs.Remove(context.Background(), o.id.Value()) {
		return toDBusError(o.adaptor.cs.LastError())
	}
	o.emitUnregistered()
	return nil
}

// AddReference implements SignonIdentity.addReference. name identifies the
// referencing application for diagnostics only; the counter itself is not
// per-referencer.
func (o *identityObject) AddReference(_ string) *dbus.Error {
	if o.id.IsTransient() {
		return toDBusError(signonerr.NewIdentityNotFoundError("cannot reference a transient identity", nil))
	}
	if _, err := o.adaptor.cs.AddReference(context.Background(), o.id.Value()); err != nil {
		return toDBusError(err)
	}
	return nil
}

// RemoveReference implements SignonIdentity.removeReference.
func (o *identityObject) RemoveReference(_ string) *dbus.Error {
	if o.id.IsTransient() {
		return toDBusError(signonerr.NewIdentityNotFoundError("cannot reference a transient identity", nil))
	}
	if _, err := o.adaptor.cs.RemoveReference(context.Background(), o.id.Value()); err != nil {
		return toDBusError(err)
	}
	return nil
}

// RequestCredentialsUpdate implements SignonIdentity.requestCredentialsUpdate:
// it prompts the UI collaborator with message and stores whatever username
// or secret comes back, returning the (unchanged) identity id.
func (o *identityObject) RequestCredentialsUpdate(message string) (uint32, *dbus.Error) {
	if o.id.IsTransient() {
		return 0, toDBusError(signonerr.NewIdentityNotFoundError("cannot update credentials for a transient identity", nil))
	}
	ui := o.adaptor.reg.UI()
	if ui == nil {
		return 0, toDBusError(signonerr.NewOperationNotSupportedError("no UI collaborator configured", nil))
	}

	ctx := context.Background()
	ident, err := o.adaptor.cs.Credentials(ctx, o.id.Value(), false)
	if err != nil {
		return 0, toDBusError(err)
	}

	reply, err := ui.Query(ctx, uuid.NewString(), pluginhost.SessionData{
		"message":  message,
		"UserName": ident.Username,
	})
	if err != nil {
		return 0, toDBusError(err)
	}
	if v, ok := reply["UserName"].(string); ok {
		ident.Username = v
	}
	storeSecret := ident.StorePassword
	if v, ok := reply["Secret"].(string); ok {
		ident.Password = v
		storeSecret = true
	}

	owner, _ := o.adaptor.cs.OwnerToken(ctx, o.id.Value())
	newID := o.adaptor.cs.Update(ctx, ident, storeSecret, owner)
	if newID == 0 {
		return 0, toDBusError(o.adaptor.cs.LastError())
	}
	o.emitInfoUpdated()
	return newID, nil
}

// VerifyUser implements SignonIdentity.verifyUser: it prompts the UI
// collaborator for the secret and checks it against the stored one.
func (o *identityObject) VerifyUser(message string) (bool, *dbus.Error) {
	if o.id.IsTransient() {
		return false, toDBusError(signonerr.NewIdentityNotFoundError("cannot verify a transient identity", nil))
	}
	ui := o.adaptor.reg.UI()
	if ui == nil {
		return false, toDBusError(signonerr.NewOperationNotSupportedError("no UI collaborator configured", nil))
	}

	ctx := context.Background()
	ident, err := o.adaptor.cs.Credentials(ctx, o.id.Value(), false)
	if err != nil {
		return false, toDBusError(err)
	}
	reply, err := ui.Query(ctx, uuid.NewString(), pluginhost.SessionData{
		"message":       message,
		"UserName":      ident.Username,
		"queryPassword": true,
	})
	if err != nil {
		return false, toDBusError(err)
	}
	secret, _ := reply["Secret"].(string)
	return o.adaptor.cs.CheckPassword(ctx, o.id.Value(), ident.Username, secret), nil
}

// VerifySecret implements SignonIdentity.verifySecret: same check as
// VerifyUser but against a secret the caller already has, no UI round trip.
func (o *identityObject) VerifySecret(secret string) (bool, *dbus.Error) {
	if o.id.IsTransient() {
		return false, toDBusError(signonerr.NewIdentityNotFoundError("cannot verify a transient identity", nil))
	}
	ctx := context.Background()
	ident, err := o.adaptor.cs.Credentials(ctx, o.id.Value(), false)
	if err != nil {
		return false, toDBusError(err)
	}
	return o.adaptor.cs.CheckPassword(ctx, o.id.Value(), ident.Username, secret), nil
}

// SignOut implements SignonIdentity.signOut. Nothing beyond validating the
// identity still exists happens at this layer: live sessions for an
// identity are not indexed by identity id alone, so there is no per-bus-call
// hook to force-evict them here.
func (o *identityObject) SignOut() (bool, *dbus.Error) {
	if o.id.IsTransient() {
		return true, nil
	}
	if _, err := o.adaptor.cs.Credentials(context.Background(), o.id.Value(), false); err != nil {
		return false, toDBusError(err)
	}
	return true, nil
}

func (o *identityObject) emitInfoUpdated() {
	_ = o.adaptor.conn.Emit(o.path, IdentityInterface+".infoUpdated", int32(0))
}

func (o *identityObject) emitUnregistered() {
	_ = o.adaptor.conn.Emit(o.path, IdentityInterface+".unregistered")
}

// authSessionObject is one exported SignonAuthSession object, bound to a
// live session-core actor.
type authSessionObject struct {
	session *session.Session
}

// QueryAvailableMechanisms implements SignonAuthSession.queryAvailableMechanisms.
func (o *authSessionObject) QueryAvailableMechanisms(wanted []string) ([]string, *dbus.Error) {
	got, err := o.session.QueryAvailableMechanisms(context.Background(), wanted)
	if err != nil {
		return nil, toDBusError(err)
	}
	return got, nil
}

// Process implements SignonAuthSession.process: cancelKey is the bus call's
// own correlation token, reused verbatim as the session-core cancel-key.
func (o *authSessionObject) Process(sessionData map[string]dbus.Variant, mechanism, cancelKey string) (map[string]dbus.Variant, *dbus.Error) {
	data := variantMapToSessionData(sessionData)
	reply := <-o.session.Process(cancelKey, mechanism, data)
	if reply.Err != nil {
		return nil, toDBusError(reply.Err)
	}
	return sessionDataToVariantMap(reply.Data), nil
}

// Cancel implements SignonAuthSession.cancel.
func (o *authSessionObject) Cancel(cancelKey string) *dbus.Error {
	o.session.Cancel(cancelKey)
	return nil
}

func identityToVariantMap(ident credentialsdb.Identity) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Id":                dbus.MakeVariant(ident.ID),
		"Caption":           dbus.MakeVariant(ident.Caption),
		"UserName":          dbus.MakeVariant(ident.Username),
		"Realms":            dbus.MakeVariant(ident.Realms),
		"AccessControlList": dbus.MakeVariant(ident.ACL),
		"Type":              dbus.MakeVariant(ident.Type),
		"Methods":           dbus.MakeVariant(ident.Methods),
		"RefCount":          dbus.MakeVariant(ident.RefCount),
	}
}

// variantMapToIdentity parses an incoming identity map (SignonIdentity.store's
// argument) into an Identity. Secret is copied into Password whatever
// StoreSecret says; StoreSecret is passed on to CS, which persists the
// password only when it is set. Id and RefCount are not accepted from the
// client, since CS assigns the former and owns the latter's bookkeeping.
func variantMapToIdentity(in map[string]dbus.Variant) credentialsdb.Identity {
	ident := credentialsdb.New()
	if v, ok := in["UserName"].Value().(string); ok {
		ident.Username = v
	}
	if v, ok := in["Caption"].Value().(string); ok {
		ident.Caption = v
	}
	if v, ok := in["Type"].Value().(int32); ok {
		ident.Type = v
	}
	if v, ok := in["Realms"].Value().([]string); ok {
		ident.Realms = v
	}
	if v, ok := in["AccessControlList"].Value().([]string); ok {
		ident.ACL = v
	}
	if v, ok := in["Methods"].Value().(map[string][]string); ok {
		ident.Methods = v
	}
	if v, ok := in["StoreSecret"].Value().(bool); ok {
		ident.StorePassword = v
	}
	if v, ok := in["Secret"].Value().(string); ok {
		ident.Password = v
	}
	return ident
}

// variantMapToStringMap flattens a filter/query map's variants to plain
// strings, discarding any value that is not already a string: CS filter
// semantics only ever key off string fields (Caption, UserName).
func variantMapToStringMap(in map[string]dbus.Variant) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if s, ok := v.Value().(string); ok {
			out[k] = s
		}
	}
	return out
}

func variantMapToSessionData(in map[string]dbus.Variant) pluginhost.SessionData {
	out := pluginhost.SessionData{}
	for k, v := range in {
		out[k] = v.Value()
	}
	return out
}

func sessionDataToVariantMap(in pluginhost.SessionData) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, len(in))
	for k, v := range in {
		out[k] = dbus.MakeVariant(v)
	}
	return out
}

func toDBusError(err error) *dbus.Error {
	se, ok := err.(*signonerr.Error)
	if !ok {
		return dbus.MakeFailedError(err)
	}
	return dbus.NewError(ServicePrefix+".Error."+string(se.Kind), []any{se.Message})
}
