// ABOUTME: Session tracker that logs tool usage and bounds per-session name lists
// ABOUTME: Persists sessions and usage rows through the session store

package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/2389/toolhost/internal/store"
)

// DefaultMaxNames is the default cap on distinct tool names per session.
const DefaultMaxNames = 1000

// maxArgsSummary bounds the stored rendering of call arguments.
const maxArgsSummary = 200

type contextKey struct{}

// WithSession returns a context carrying sessionID.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, contextKey{}, sessionID)
}

// SessionFromContext returns the session ID carried by ctx, if any.
func SessionFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// Entry describes one tool call to record.
type Entry struct {
	SessionID   string
	Name        string
	Provider    string
	ModuleGroup string
	Version     int
	Duration    time.Duration
	Err         error
	Args        map[string]any
	CalledAt    time.Time
}

type sessionState struct {
	names  []string
	seen   map[string]struct{}
	capped bool
	closed bool
}

// Tracker records sessions and tool usage.
type Tracker struct {
	store    store.SessionStore
	maxNames int
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// NewTracker creates a Tracker. A non-positive maxNames uses DefaultMaxNames.
func NewTracker(st store.SessionStore, maxNames int, logger *slog.Logger) *Tracker {
	if maxNames <= 0 {
		maxNames = DefaultMaxNames
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:    st,
		maxNames: maxNames,
		logger:   logger.With("component", "usage"),
		sessions: make(map[string]*sessionState),
	}
}

// Start opens a new session and returns its ID.
func (t *Tracker) Start(ctx context.Context, conversationID, groupID string) (string, error) {
	session := &store.Session{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		GroupID:        groupID,
		StartedAt:      time.Now().UTC(),
	}
	if err := t.store.CreateSession(ctx, session); err != nil {
		return "", fmt.Errorf("starting session: %w", err)
	}

	t.mu.Lock()
	t.sessions[session.ID] = &sessionState{seen: make(map[string]struct{})}
	t.mu.Unlock()

	t.logger.Debug("session started", "session_id", session.ID, "conversation_id", conversationID)
	return session.ID, nil
}

// End closes a session. Ending a session twice returns store.ErrSessionClosed.
func (t *Tracker) End(ctx context.Context, sessionID string, success bool) error {
	if err := t.store.EndSession(ctx, sessionID, success, time.Now().UTC()); err != nil {
		return fmt.Errorf("ending session %s: %w", sessionID, err)
	}

	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()

	t.logger.Debug("session ended", "session_id", sessionID, "success", success)
	return nil
}

// Log records one tool call. Calls against closed or unknown sessions are
// still recorded; only open sessions accumulate tool names.
func (t *Tracker) Log(ctx context.Context, e Entry) error {
	calledAt := e.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	sessionID := e.SessionID
	if sessionID != "" {
		known, err := t.noteName(ctx, sessionID, e.Name)
		if err != nil {
			return err
		}
		if !known {
			t.logger.Warn("usage logged against unknown session", "session_id", sessionID, "func_name", e.Name)
			sessionID = ""
		}
	}

	entry := &store.UsageEntry{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		FuncName:    e.Name,
		FuncVersion: e.Version,
		ModuleGroup: e.ModuleGroup,
		Provider:    e.Provider,
		CalledAt:    calledAt,
		DurationMS:  e.Duration.Milliseconds(),
		Success:     e.Err == nil,
		ArgsSummary: summarizeArgs(e.Args),
	}
	if e.Err != nil {
		entry.ErrorMessage = e.Err.Error()
	}

	if err := t.store.SaveUsageEntry(ctx, entry); err != nil {
		return fmt.Errorf("saving usage: %w", err)
	}
	return nil
}

// noteName adds name to the session's distinct name list. It reports false
// when the session doesn't exist.
func (t *Tracker) noteName(ctx context.Context, sessionID, name string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.sessions[sessionID]
	if !ok {
		loaded, err := t.loadSession(ctx, sessionID)
		if err != nil {
			return false, err
		}
		if loaded == nil {
			return false, nil
		}
		if loaded.closed {
			return true, nil
		}
		st = loaded
		t.sessions[sessionID] = st
	}

	if st.closed {
		return true, nil
	}
	if _, dup := st.seen[name]; dup {
		return true, nil
	}
	if len(st.names) >= t.maxNames {
		if !st.capped {
			st.capped = true
			t.logger.Warn("session tool name cap reached",
				"session_id", sessionID,
				"cap", t.maxNames,
				"dropped", name,
			)
		}
		return true, nil
	}

	st.seen[name] = struct{}{}
	st.names = append(st.names, name)
	if err := t.store.UpdateSessionFuncNames(ctx, sessionID, st.names); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Closed by another process since we cached it.
			delete(t.sessions, sessionID)
			return true, nil
		}
		return false, fmt.Errorf("updating session names: %w", err)
	}
	return true, nil
}

func (t *Tracker) loadSession(ctx context.Context, sessionID string) (*sessionState, error) {
	session, err := t.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	st := &sessionState{
		names:  session.FuncNames,
		seen:   make(map[string]struct{}, len(session.FuncNames)),
		closed: session.EndedAt != nil,
	}
	for _, n := range session.FuncNames {
		st.seen[n] = struct{}{}
	}
	st.capped = len(st.names) >= t.maxNames
	return st, nil
}

// Names returns the distinct tool names recorded for a session.
func (t *Tracker) Names(ctx context.Context, sessionID string) ([]string, error) {
	session, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return session.FuncNames, nil
}

// Stats returns aggregated usage statistics.
func (t *Tracker) Stats(ctx context.Context, filter store.UsageFilter) (*store.UsageStats, error) {
	return t.store.GetUsageStats(ctx, filter)
}

func summarizeArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%d args", len(args))
	}
	return truncateRunes(string(data), maxArgsSummary)
}

// truncateRunes shortens s to at most maxRunes runes, adding "..." when cut.
func truncateRunes(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	return string([]rune(s)[:maxRunes]) + "..."
}
