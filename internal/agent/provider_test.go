package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/clide/internal/config"
)

func TestNewProviderUnknownKind(t *testing.T) {
	_, err := NewProvider(config.ProfileConfig{ID: "x", Kind: "carrier-pigeon"})
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestBuiltinKindsRegistered(t *testing.T) {
	assert.True(t, IsRegistered(config.KindLocalProcess))
	assert.True(t, IsRegistered(config.KindRemoteHTTP))
	assert.False(t, IsRegistered("carrier-pigeon"))

	kinds := RegisteredKinds()
	assert.Contains(t, kinds, config.KindLocalProcess)
	assert.Contains(t, kinds, config.KindRemoteHTTP)
}

func TestNewProviderBuildsConfiguredKind(t *testing.T) {
	p, err := NewProvider(config.ProfileConfig{
		ID: "local", Kind: config.KindLocalProcess, Command: "echo",
	})
	require.NoError(t, err)
	assert.Equal(t, config.KindLocalProcess, p.Kind())
	_ = p.Close()

	p, err = NewProvider(config.ProfileConfig{
		ID: "remote", Kind: config.KindRemoteHTTP, Endpoint: "http://localhost:11434/api/generate",
	})
	require.NoError(t, err)
	assert.Equal(t, config.KindRemoteHTTP, p.Kind())
	_ = p.Close()
}
