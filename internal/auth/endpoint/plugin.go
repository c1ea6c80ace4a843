package endpoint

import "github.com/aussiebroadwan/gatehouse/internal/auth/store"

// Plugin contributes endpoints, hooks and models to an engine. Plugins are
// resolved once when the engine is built.
type Plugin struct {
	ID        string
	Endpoints []Endpoint
	Before    []BeforeHook
	After     []AfterHook
	Schema    store.Schema
}
