package busadaptor

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signond/signond/pkg/credentialsdb"
	"github.com/signond/signond/pkg/pluginhost"
	"github.com/signond/signond/pkg/signonerr"
)

func TestIdentityToVariantMapCarriesAllRecognisedFields(t *testing.T) {
	ident := credentialsdb.Identity{
		ID:       7,
		Caption:  "John's account",
		Username: "john",
		Realms:   []string{"example.com"},
		ACL:      []string{"AID::owner"},
		Type:     2,
		Methods:  map[string][]string{"ssotest": {"mech1"}},
		RefCount: 3,
	}
	out := identityToVariantMap(ident)

	assert.Equal(t, uint32(7), out["Id"].Value())
	assert.Equal(t, "John's account", out["Caption"].Value())
	assert.Equal(t, "john", out["UserName"].Value())
	assert.Equal(t, []string{"example.com"}, out["Realms"].Value())
	assert.Equal(t, []string{"AID::owner"}, out["AccessControlList"].Value())
	assert.Equal(t, int32(2), out["Type"].Value())
	assert.Equal(t, map[string][]string{"ssotest": {"mech1"}}, out["Methods"].Value())
	assert.Equal(t, int32(3), out["RefCount"].Value())
}

func TestVariantMapToIdentityParsesIncomingStoreCall(t *testing.T) {
	in := map[string]dbus.Variant{
		"UserName":          dbus.MakeVariant("john"),
		"Secret":            dbus.MakeVariant("s3c'r3t"),
		"StoreSecret":       dbus.MakeVariant(true),
		"Caption":           dbus.MakeVariant("John's account"),
		"Realms":            dbus.MakeVariant([]string{"example.com"}),
		"AccessControlList": dbus.MakeVariant([]string{"*"}),
		"Type":              dbus.MakeVariant(int32(1)),
		"Methods":           dbus.MakeVariant(map[string][]string{"ssotest": {"mech1"}}),
	}
	ident := variantMapToIdentity(in)

	assert.Equal(t, "john", ident.Username)
	assert.Equal(t, "s3c'r3t", ident.Password)
	assert.True(t, ident.StorePassword)
	assert.Equal(t, "John's account", ident.Caption)
	assert.Equal(t, []string{"example.com"}, ident.Realms)
	assert.Equal(t, []string{"*"}, ident.ACL)
	assert.Equal(t, int32(1), ident.Type)
	assert.Equal(t, map[string][]string{"ssotest": {"mech1"}}, ident.Methods)
	assert.True(t, ident.IsNew(), "Id is never accepted from the client")
}

func TestVariantMapToIdentityIgnoresMissingKeys(t *testing.T) {
	ident := variantMapToIdentity(map[string]dbus.Variant{"UserName": dbus.MakeVariant("john")})
	assert.Equal(t, "john", ident.Username)
	assert.Empty(t, ident.Caption)
	assert.False(t, ident.StorePassword)
}

func TestVariantMapToStringMapDropsNonStringValues(t *testing.T) {
	in := map[string]dbus.Variant{
		"Caption": dbus.MakeVariant("John"),
		"Type":    dbus.MakeVariant(int32(1)),
	}
	out := variantMapToStringMap(in)
	require.Equal(t, map[string]string{"Caption": "John"}, out)
}

func TestSessionDataVariantMapRoundTrips(t *testing.T) {
	data := pluginhost.SessionData{"UserName": "john", "QueryErrorCode": int32(0)}
	roundTripped := variantMapToSessionData(sessionDataToVariantMap(data))
	assert.Equal(t, data, roundTripped)
}

func TestToDBusErrorPreservesKindForTypedErrors(t *testing.T) {
	err := toDBusError(signonerr.NewIdentityNotFoundError("identity 9 not found", nil))
	assert.Equal(t, ServicePrefix+".Error.IdentityNotFound", err.Name)
}

func TestToDBusErrorFallsBackToFailedForOpaqueErrors(t *testing.T) {
	err := toDBusError(errors.New("boom"))
	assert.Equal(t, "org.freedesktop.DBus.Error.Failed", err.Name)
}
