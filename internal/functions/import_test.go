// ABOUTME: Tests for bulk import of source files into module groups
// ABOUTME: Covers preamble extraction, group inference, and test matching

package functions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolhost/internal/script"
	"github.com/2389/toolhost/internal/store"
)

const textOpsSource = `SEPARATOR = "-"

def _clean(s):
    return s.strip().lower()

def slugify(text):
    """Turn text into a URL slug."""
    return SEPARATOR.join(_clean(text).split(" "))

def word_count(text):
    return len(_clean(text).split(" "))

def shout(text):
    return text.upper() + "!"
`

const textOpsTests = `SAMPLE = "  Hello Big World "

def TestSlugify():
    assert.eq(slugify(SAMPLE), "hello-big-world")

def TestSlugify_single_word():
    assert.eq(slugify("Go"), "go")

def test_word_count_sample():
    assert.eq(word_count(SAMPLE), 3)

def test_shout():
    assert.eq(shout("hi"), "HI?")

def test_something_else():
    pass
`

func TestService_ImportBulk(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	report, err := svc.ImportBulk(ctx, ImportRequest{
		Source:     textOpsSource,
		Filename:   "/tmp/text_ops.star",
		TestSource: textOpsTests,
	})
	require.NoError(t, err)

	assert.Equal(t, "text_ops", report.ModuleGroup)
	assert.True(t, report.PreambleSet)
	assert.Equal(t, []string{"slugify", "word_count", "shout"}, report.Order)
	assert.Equal(t, []string{"test_something_else"}, report.UnmatchedTests)

	slug := report.Functions["slugify"]
	require.NoError(t, slug.Err)
	assert.True(t, slug.Activated)
	assert.Equal(t, store.TestStatusPassed, slug.TestStatus)
	assert.Equal(t, []string{"TestSlugify", "TestSlugify_single_word"}, slug.Tests)

	wc := report.Functions["word_count"]
	assert.True(t, wc.Activated)
	assert.Equal(t, []string{"test_word_count_sample"}, wc.Tests)

	// shout's test expects the wrong punctuation, so it stays inactive.
	sh := report.Functions["shout"]
	require.NoError(t, sh.Err)
	assert.False(t, sh.Activated)
	assert.Equal(t, store.TestStatusFailed, sh.TestStatus)

	preamble, err := svc.Preamble(ctx, "text_ops")
	require.NoError(t, err)
	assert.Contains(t, preamble, `SEPARATOR = "-"`)
	assert.Contains(t, preamble, "def _clean(s):")
	assert.NotContains(t, preamble, "def slugify")

	active, err := svc.GetActive(ctx, "slugify")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "Turn text into a URL slug.", active.Description)
	assert.Contains(t, active.TestCode, "SAMPLE =")
}

func TestService_ImportBulk_NoTestsActivatesAll(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	report, err := svc.ImportBulk(ctx, ImportRequest{
		Source:      textOpsSource,
		ModuleGroup: "words",
	})
	require.NoError(t, err)
	assert.Equal(t, "words", report.ModuleGroup)
	for _, name := range report.Order {
		assert.True(t, report.Functions[name].Activated, name)
	}

	fns, err := svc.List(ctx, store.FunctionFilter{ModuleGroup: "words", ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, fns, 3)
}

func TestService_ImportBulk_Errors(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	t.Run("syntax error imports nothing", func(t *testing.T) {
		_, err := svc.ImportBulk(ctx, ImportRequest{Source: "def broken(:\n", ModuleGroup: "bad"})
		var serr *script.SyntaxError
		require.ErrorAs(t, err, &serr)

		fns, err := svc.List(ctx, store.FunctionFilter{ModuleGroup: "bad"})
		require.NoError(t, err)
		assert.Empty(t, fns)
	})

	t.Run("only private functions", func(t *testing.T) {
		_, err := svc.ImportBulk(ctx, ImportRequest{Source: "def _hidden():\n    pass\n", ModuleGroup: "hidden"})
		assert.ErrorIs(t, err, ErrNothingToImport)
	})

	t.Run("group inferred from invalid filename", func(t *testing.T) {
		_, err := svc.ImportBulk(ctx, ImportRequest{Source: textOpsSource, Filename: "text-ops.star"})
		assert.ErrorIs(t, err, ErrInvalidName)
	})
}
