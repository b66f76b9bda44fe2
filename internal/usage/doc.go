// Package usage records execution sessions and the tool calls made in them.
//
// A session groups the calls made while executing one plan. Tracker keeps the
// distinct tool names seen in each open session, bounded by a per-session
// cap; exceeding the cap is logged as a warning and the name is dropped from
// the session summary, but the call itself is still recorded.
//
// The active session travels in the context: WithSession attaches a session
// ID and the registry's Invoke reads it back when logging a call.
package usage
