package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewKeyringProviderDefaultsService(t *testing.T) {
	p := NewKeyringProvider("")
	assert.Equal(t, "signond", p.service)
}

func TestNameFor(t *testing.T) {
	assert.Equal(t, "identity-42-password", NameFor(42))
}
