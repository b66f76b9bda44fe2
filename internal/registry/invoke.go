// ABOUTME: Uniform invocation path for local and remote tools
// ABOUTME: Applies call timeouts and records usage against the context's session

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/toolhost/internal/usage"
)

// Invoke resolves name and calls it with args under the configured timeout.
// The call is recorded against the session carried by ctx, if any.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	if r.State() != StateReady {
		return nil, ErrNotReady
	}
	tool := r.GetTool(name)
	if tool == nil {
		r.logger.Debug("tool not found in registry", "tool_name", name)
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	sessionID, _ := usage.SessionFromContext(ctx)
	r.logger.Info("→ dispatching tool",
		"tool_name", name,
		"provider", tool.Provider,
		"kind", tool.Kind,
		"session_id", sessionID,
	)

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	result, err := tool.handler(callCtx, args)
	elapsed := time.Since(start)

	if err != nil {
		r.logger.Warn("tool call failed",
			"tool_name", name,
			"provider", tool.Provider,
			"duration", elapsed,
			"error", err,
		)
	} else {
		r.logger.Info("← tool responded",
			"tool_name", name,
			"provider", tool.Provider,
			"duration", elapsed,
		)
	}

	r.recordUsage(ctx, sessionID, tool, args, elapsed, err)
	return result, err
}

// InvokeJSON is Invoke for callers holding JSON: input must be a JSON object
// (or empty) and the result is returned as JSON.
func (r *Registry) InvokeJSON(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	var args map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, fmt.Errorf("decoding arguments for %s: %w", name, err)
		}
	}

	result, err := r.Invoke(ctx, name, args)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result of %s: %w", name, err)
	}
	return out, nil
}

func (r *Registry) recordUsage(ctx context.Context, sessionID string, tool *Tool, args map[string]any, elapsed time.Duration, callErr error) {
	if r.cfg.Usage == nil {
		return
	}

	entry := usage.Entry{
		SessionID: sessionID,
		Name:      tool.Name,
		Provider:  tool.Provider,
		Version:   tool.Version,
		Duration:  elapsed,
		Err:       callErr,
		Args:      args,
	}
	if tool.Kind == KindLocal {
		entry.ModuleGroup = tool.Provider
	}

	// A cancelled or timed-out call is still recorded.
	if err := r.cfg.Usage.Log(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Warn("failed to record tool usage", "tool_name", tool.Name, "error", err)
	}
}
