// ABOUTME: Tests for the usage tracker
// ABOUTME: Covers session lifecycle, usage rows, and the distinct name cap

package usage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolhost/internal/store"
)

func setupTracker(t *testing.T, maxNames int) (*Tracker, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewTracker(st, maxNames, nil), st
}

func TestTracker_SessionLifecycle(t *testing.T) {
	tracker, st := setupTracker(t, 0)
	ctx := context.Background()

	id, err := tracker.Start(ctx, "conv-1", "utils")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, tracker.Log(ctx, Entry{SessionID: id, Name: "add", Version: 1}))
	require.NoError(t, tracker.Log(ctx, Entry{SessionID: id, Name: "mul", Version: 2}))
	require.NoError(t, tracker.Log(ctx, Entry{SessionID: id, Name: "add", Version: 1}))

	names, err := tracker.Names(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"add", "mul"}, names)

	require.NoError(t, tracker.End(ctx, id, true))

	session, err := st.GetSession(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, session.EndedAt)
	require.NotNil(t, session.Success)
	assert.True(t, *session.Success)

	err = tracker.End(ctx, id, true)
	assert.True(t, errors.Is(err, store.ErrSessionClosed))
}

func TestTracker_NameCap(t *testing.T) {
	tracker, _ := setupTracker(t, 2)
	ctx := context.Background()

	id, err := tracker.Start(ctx, "", "")
	require.NoError(t, err)

	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, tracker.Log(ctx, Entry{SessionID: id, Name: name}))
	}

	names, err := tracker.Names(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	sid := id
	stats, err := tracker.Stats(ctx, store.UsageFilter{SessionID: &sid})
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalCalls, "calls past the cap are still recorded")
}

func TestTracker_LogFailure(t *testing.T) {
	tracker, st := setupTracker(t, 0)
	ctx := context.Background()

	id, err := tracker.Start(ctx, "", "")
	require.NoError(t, err)

	require.NoError(t, tracker.Log(ctx, Entry{
		SessionID: id,
		Name:      "search",
		Provider:  "github",
		Err:       errors.New("boom"),
		Args:      map[string]any{"q": "go"},
	}))

	sid := id
	entries, err := st.ListUsageEntries(ctx, store.UsageFilter{SessionID: &sid}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Equal(t, "boom", entries[0].ErrorMessage)
	assert.Equal(t, "github", entries[0].Provider)
	assert.Equal(t, `{"q":"go"}`, entries[0].ArgsSummary)
}

func TestTracker_LogAfterEnd(t *testing.T) {
	tracker, _ := setupTracker(t, 0)
	ctx := context.Background()

	id, err := tracker.Start(ctx, "", "")
	require.NoError(t, err)
	require.NoError(t, tracker.Log(ctx, Entry{SessionID: id, Name: "a"}))
	require.NoError(t, tracker.End(ctx, id, false))

	require.NoError(t, tracker.Log(ctx, Entry{SessionID: id, Name: "b"}))

	names, err := tracker.Names(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names)
}

func TestTracker_UnknownSession(t *testing.T) {
	tracker, st := setupTracker(t, 0)
	ctx := context.Background()

	require.NoError(t, tracker.Log(ctx, Entry{SessionID: "missing", Name: "a"}))

	name := "a"
	entries, err := st.ListUsageEntries(ctx, store.UsageFilter{FuncName: &name}, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].SessionID)
}

func TestTracker_ResumesPersistedSession(t *testing.T) {
	first, st := setupTracker(t, 0)
	ctx := context.Background()

	id, err := first.Start(ctx, "", "")
	require.NoError(t, err)
	require.NoError(t, first.Log(ctx, Entry{SessionID: id, Name: "a"}))

	second := NewTracker(st, 0, nil)
	require.NoError(t, second.Log(ctx, Entry{SessionID: id, Name: "a"}))
	require.NoError(t, second.Log(ctx, Entry{SessionID: id, Name: "b"}))

	names, err := second.Names(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestSessionContext(t *testing.T) {
	_, ok := SessionFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithSession(context.Background(), "s-1")
	id, ok := SessionFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "s-1", id)
}

func TestTracker_EndReleasesSession(t *testing.T) {
	tracker, _ := setupTracker(t, 0)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		id, err := tracker.Start(ctx, "", "")
		require.NoError(t, err)
		require.NoError(t, tracker.Log(ctx, Entry{SessionID: id, Name: "add"}))
		require.NoError(t, tracker.End(ctx, id, true))

		// Logging after End records the row without caching the session again.
		require.NoError(t, tracker.Log(ctx, Entry{SessionID: id, Name: "mul"}))
	}

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.Empty(t, tracker.sessions)
}

func TestTracker_ConcurrentLogRespectsCap(t *testing.T) {
	const maxNames = 5
	tracker, st := setupTracker(t, maxNames)
	ctx := context.Background()

	id, err := tracker.Start(ctx, "", "")
	require.NoError(t, err)

	const calls = 40
	errs := make(chan error, calls)
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- tracker.Log(ctx, Entry{SessionID: id, Name: fmt.Sprintf("tool_%d", i%10)})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	names, err := tracker.Names(ctx, id)
	require.NoError(t, err)
	assert.Len(t, names, maxNames)
	seen := make(map[string]bool)
	for _, n := range names {
		assert.False(t, seen[n], "name %s recorded twice", n)
		seen[n] = true
	}

	rows, err := st.ListUsageEntries(ctx, store.UsageFilter{SessionID: &id}, 0)
	require.NoError(t, err)
	assert.Len(t, rows, calls)
}

func TestSummarizeArgs_RuneBoundary(t *testing.T) {
	summary := summarizeArgs(map[string]any{"text": strings.Repeat("é", 300)})
	assert.True(t, utf8.ValidString(summary))
	assert.True(t, strings.HasSuffix(summary, "..."))
	assert.Equal(t, maxArgsSummary+3, utf8.RuneCountInString(summary))
}
