// Package agent routes prompts to AI coding assistants. Each configured
// profile is backed by a Provider - a local subprocess speaking line-JSON
// over stdio, a remote HTTP endpoint, or an MCP tool endpoint - and the
// Manager multiplexes submissions and events across all of them.
package agent

import (
	"context"
	"fmt"

	"github.com/zjrosen/clide/internal/config"
)

// Provider is one backend capable of answering prompts. Submit hands a
// request over without waiting for the answer; results surface later
// through Poll as typed events. Poll never blocks.
type Provider interface {
	// Kind returns the provider kind identifier.
	Kind() string

	// Submit starts processing a request. Returning nil means the
	// provider accepted the request and will eventually emit a terminal
	// event for it.
	Submit(ctx context.Context, req Request) error

	// Cancel abandons an in-flight request. Providers emit a canceled
	// failure event for it and discard any later output bearing its id.
	Cancel(requestID string)

	// Poll returns the next buffered event, if any. Non-blocking.
	Poll() (Event, bool)

	// Close releases the provider's resources. In-flight requests are
	// abandoned without further events.
	Close() error
}

// ErrUnknownKind is returned when an unregistered provider kind is requested.
var ErrUnknownKind = fmt.Errorf("unknown provider kind")

// providerRegistry holds registered provider factories.
// Use Register to add new kinds.
var providerRegistry = make(map[string]func(cfg config.ProfileConfig) (Provider, error))

// Register registers a provider factory for the given kind.
// This should be called in init() functions of provider files.
func Register(kind string, factory func(cfg config.ProfileConfig) (Provider, error)) {
	providerRegistry[kind] = factory
}

// NewProvider creates a Provider for the profile's configured kind.
// Returns ErrUnknownKind if the kind is not registered.
func NewProvider(cfg config.ProfileConfig) (Provider, error) {
	factory, ok := providerRegistry[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, cfg.Kind)
	}
	return factory(cfg)
}

// RegisteredKinds returns all registered provider kinds.
func RegisteredKinds() []string {
	kinds := make([]string, 0, len(providerRegistry))
	for k := range providerRegistry {
		kinds = append(kinds, k)
	}
	return kinds
}

// IsRegistered returns true if the given kind has been registered.
func IsRegistered(kind string) bool {
	_, ok := providerRegistry[kind]
	return ok
}
