// Package servers manages external tool servers speaking the Model Context
// Protocol.
//
// # Manager
//
// Manager connects to every enabled server entry concurrently, bounded by
// MaxParallel, each attempt under its own connect timeout:
//
//	allow-list check → spawn over stdio → initialize handshake → list tools
//
// A failure at any step is recorded in the Report under the server's name and
// logged; it never aborts the remaining connections. Tools returns a
// RemoteTool per discovered tool, whose Call forwards through the server's
// session and unwraps the protocol result.
//
// Shutdown closes every live session. It may be called more than once and
// tolerates sessions whose process already exited.
//
// # Allow-list
//
// A server may be started when the base name of its command appears in
// AllowedCommands, or when its entry is marked allow-listed.
//
// # Catalog
//
// Catalog persists server entries added at runtime. Configs merges the
// enabled catalog entries with those from the configuration file, file
// entries winning on a name clash.
package servers
