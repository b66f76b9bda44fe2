// Package host wires the toolhost components together.
//
// New opens the store and builds every component from a config.Config:
//
//	store ─┬─ functions.Service (script.TestRunner)
//	       ├─ loader.Loader
//	       ├─ servers.Catalog
//	       ├─ usage.Tracker
//	       └─ registry.Registry ── servers.Manager
//
// Start initializes the registry with the configured groups and the servers
// from both the config file and the catalog. Run blocks until its context is
// cancelled and then shuts down. Shutdown disconnects servers and closes the
// store.
package host
