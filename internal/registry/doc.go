// Package registry merges locally loaded functions and remote server tools
// into one name space.
//
// # Lifecycle
//
//	Uninitialized → Initializing → Ready → ShuttingDown → Closed
//
// Initialize loads every configured module group (provider id = group name)
// and then connects the external servers (provider id = server name). A group
// or server that fails is logged and recorded in the InitReport; the others
// continue. Lookups before Ready return nothing.
//
// # Resolution
//
// GetTool resolves a name in this order:
//
//  1. exact match among local functions
//  2. alias → canonical name, tried locally and then remotely
//  3. exact match among remote tools
//
// When a name has two or more providers and the operator has set a
// preference for one of them, that provider wins. Preferences are persisted
// and re-checked on every lookup, so a preference for a provider that has
// gone away is ignored rather than failing the lookup.
//
// # Invocation
//
// Invoke is the uniform call path for both provider kinds. It applies the
// per-call timeout and records a usage entry against the session carried by
// the context (see usage.WithSession).
package registry
