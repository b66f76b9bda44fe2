// ABOUTME: Tests for the function version store service
// ABOUTME: Covers validation, test-gated activation, rollback, and preambles

package functions

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolhost/internal/script"
	"github.com/2389/toolhost/internal/store"
)

func setupService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	runner := script.NewTestRunner(script.Options{}, 5*time.Second)
	return New(st, runner, nil), st
}

// erroringRunner fails every run without executing anything.
type erroringRunner struct{}

func (erroringRunner) Run(context.Context, script.TestRequest) (*script.TestResult, error) {
	return nil, errors.New("runner unavailable")
}

const addV1 = "def add(a, b):\n    \"\"\"Add two numbers.\"\"\"\n    return a + b\n"
const addV2 = "def add(a, b):\n    return a + b + 0\n"
const addBroken = "def add(a, b):\n    return a - b\n"
const addTest = "def test_add():\n    assert.eq(add(2, 3), 5)\n"

func TestService_Register_NoTestsActivatesImmediately(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	res, err := svc.Register(ctx, RegisterRequest{Name: "add", ModuleGroup: "math_ops", Code: addV1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
	assert.True(t, res.Activated)
	assert.Equal(t, store.TestStatusUntested, res.TestStatus)

	active, err := svc.GetActive(ctx, "add")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, 1, active.Version)
	assert.Equal(t, "Add two numbers.", active.Description)
}

func TestService_Register_SyntaxErrorWritesNothing(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{Name: "add", ModuleGroup: "math_ops", Code: "def add(a, b)\n    return a\n"})
	var serr *script.SyntaxError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "add", serr.Label)

	versions, err := svc.Versions(ctx, "add")
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestService_Register_RejectsBadInput(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	t.Run("code without the named function", func(t *testing.T) {
		_, err := svc.Register(ctx, RegisterRequest{Name: "add", ModuleGroup: "g", Code: "def other():\n    pass\n"})
		assert.ErrorIs(t, err, ErrFunctionNotDefined)
	})

	t.Run("invalid name", func(t *testing.T) {
		_, err := svc.Register(ctx, RegisterRequest{Name: "not-valid", ModuleGroup: "g", Code: addV1})
		assert.ErrorIs(t, err, ErrInvalidName)
	})

	t.Run("missing group", func(t *testing.T) {
		_, err := svc.Register(ctx, RegisterRequest{Name: "add", Code: addV1})
		assert.ErrorIs(t, err, ErrInvalidName)
	})

	t.Run("broken test code", func(t *testing.T) {
		_, err := svc.Register(ctx, RegisterRequest{Name: "add", ModuleGroup: "g", Code: addV1, TestCode: "def test_add(:\n"})
		var serr *script.SyntaxError
		assert.ErrorAs(t, err, &serr)
	})
}

// A new version with failing tests never displaces the active one.
func TestService_Register_FailingTestsKeepPreviousActive(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	first, err := svc.Register(ctx, RegisterRequest{Name: "add", ModuleGroup: "math_ops", Code: addV1, TestCode: addTest})
	require.NoError(t, err)
	assert.True(t, first.Activated)
	assert.Equal(t, store.TestStatusPassed, first.TestStatus)

	second, err := svc.Register(ctx, RegisterRequest{Name: "add", ModuleGroup: "math_ops", Code: addBroken, TestCode: addTest})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
	assert.False(t, second.Activated)
	assert.Equal(t, store.TestStatusFailed, second.TestStatus)
	assert.Contains(t, second.TestOutput, "FAIL test_add")

	active, err := svc.GetActive(ctx, "add")
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)

	versions, err := svc.Versions(ctx, "add")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Version)
	assert.Equal(t, store.TestStatusFailed, versions[0].TestStatus)
	assert.False(t, versions[0].Active)
}

func TestService_Register_PassingTestsActivate(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{Name: "add", ModuleGroup: "math_ops", Code: addV1})
	require.NoError(t, err)

	res, err := svc.Register(ctx, RegisterRequest{Name: "add", ModuleGroup: "math_ops", Code: addV2, TestCode: addTest})
	require.NoError(t, err)
	assert.True(t, res.Activated)

	active, err := svc.GetActive(ctx, "add")
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)
}

func TestService_Register_SkipTestsStoresInactive(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	res, err := svc.Register(ctx, RegisterRequest{Name: "add", ModuleGroup: "math_ops", Code: addV1, TestCode: addTest, SkipTests: true})
	require.NoError(t, err)
	assert.False(t, res.Activated)
	assert.Equal(t, store.TestStatusUntested, res.TestStatus)

	active, err := svc.GetActive(ctx, "add")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestService_Register_RunnerErrorCountsAsFailure(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	svc := New(st, erroringRunner{}, nil)

	res, err := svc.Register(context.Background(), RegisterRequest{Name: "add", ModuleGroup: "g", Code: addV1, TestCode: addTest})
	require.NoError(t, err)
	assert.False(t, res.Activated)
	assert.Equal(t, store.TestStatusFailed, res.TestStatus)
	assert.Contains(t, res.TestOutput, "runner unavailable")
}

func TestService_ActivateRollback(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	for _, code := range []string{addV1, addV2} {
		_, err := svc.Register(ctx, RegisterRequest{Name: "add", ModuleGroup: "math_ops", Code: code})
		require.NoError(t, err)
	}

	require.NoError(t, svc.Activate(ctx, "add", 1))
	active, err := svc.GetActive(ctx, "add")
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)

	err = svc.Activate(ctx, "add", 7)
	assert.ErrorIs(t, err, store.ErrNotFound)

	active, err = svc.GetActive(ctx, "add")
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)
}

func TestService_GetActive_Unknown(t *testing.T) {
	svc, _ := setupService(t)

	fv, err := svc.GetActive(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Nil(t, fv)
}

func TestService_UpdateTestCode(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{Name: "add", ModuleGroup: "math_ops", Code: addV1})
	require.NoError(t, err)
	_, err = svc.Register(ctx, RegisterRequest{Name: "add", ModuleGroup: "math_ops", Code: addBroken, TestCode: addTest})
	require.NoError(t, err)

	t.Run("defaults to active version", func(t *testing.T) {
		outcome, err := svc.UpdateTestCode(ctx, "add", addTest, UpdateTestOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, outcome.Version)
		assert.True(t, outcome.Passed)
		assert.True(t, outcome.Activated)
	})

	t.Run("fixing tests on an inactive version activates it", func(t *testing.T) {
		lenient := "def test_add():\n    assert.eq(add(5, 3), 2)\n"
		outcome, err := svc.UpdateTestCode(ctx, "add", lenient, UpdateTestOptions{Version: 2})
		require.NoError(t, err)
		assert.True(t, outcome.Passed)
		assert.True(t, outcome.Activated)

		active, err := svc.GetActive(ctx, "add")
		require.NoError(t, err)
		assert.Equal(t, 2, active.Version)
	})

	t.Run("skip tests leaves status untested", func(t *testing.T) {
		outcome, err := svc.UpdateTestCode(ctx, "add", addTest, UpdateTestOptions{Version: 1, SkipTests: true})
		require.NoError(t, err)
		assert.Equal(t, store.TestStatusUntested, outcome.Status)

		fv, err := svc.Versions(ctx, "add")
		require.NoError(t, err)
		assert.Equal(t, store.TestStatusUntested, fv[1].TestStatus)
	})

	t.Run("no active version", func(t *testing.T) {
		_, err := svc.UpdateTestCode(ctx, "unknown", addTest, UpdateTestOptions{})
		assert.ErrorIs(t, err, ErrNoActiveVersion)
	})

	t.Run("unknown version", func(t *testing.T) {
		_, err := svc.UpdateTestCode(ctx, "add", addTest, UpdateTestOptions{Version: 42})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestService_RunTests(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{Name: "add", ModuleGroup: "math_ops", Code: addV1})
	require.NoError(t, err)

	_, err = svc.RunTests(ctx, "add", 1)
	assert.ErrorIs(t, err, ErrNoTestCode)

	_, err = svc.Register(ctx, RegisterRequest{Name: "add", ModuleGroup: "math_ops", Code: addBroken, TestCode: addTest})
	require.NoError(t, err)

	outcome, err := svc.RunTests(ctx, "add", 2)
	require.NoError(t, err)
	assert.False(t, outcome.Passed)
	assert.False(t, outcome.Activated)

	active, err := svc.GetActive(ctx, "add")
	require.NoError(t, err)
	assert.Equal(t, 1, active.Version)
}

func TestService_Preamble(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	code, err := svc.Preamble(ctx, "math_ops")
	require.NoError(t, err)
	assert.Empty(t, code)

	err = svc.SetPreamble(ctx, "math_ops", "OFFSET = (\n", "")
	var serr *script.SyntaxError
	require.ErrorAs(t, err, &serr)

	require.NoError(t, svc.SetPreamble(ctx, "math_ops", "OFFSET = 10\n", "constants"))

	// Tests see the preamble.
	res, err := svc.Register(ctx, RegisterRequest{
		Name:        "shift",
		ModuleGroup: "math_ops",
		Code:        "def shift(x):\n    return x + OFFSET\n",
		TestCode:    "def test_shift():\n    assert.eq(shift(1), 11)\n",
	})
	require.NoError(t, err)
	assert.True(t, res.Activated, res.TestOutput)
}

func TestService_List(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{Name: "add", ModuleGroup: "math_ops", Code: addV1})
	require.NoError(t, err)
	_, err = svc.Register(ctx, RegisterRequest{Name: "upper", ModuleGroup: "text", Code: "def upper(s):\n    return s.upper()\n"})
	require.NoError(t, err)

	all, err := svc.List(ctx, store.FunctionFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	text, err := svc.List(ctx, store.FunctionFilter{ModuleGroup: "text"})
	require.NoError(t, err)
	require.Len(t, text, 1)
	assert.Equal(t, "upper", text[0].Name)
}

func TestService_ConcurrentRegisterAndActivate(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{Name: "add", ModuleGroup: "math_ops", Code: addV1, TestCode: addTest})
	require.NoError(t, err)

	const workers = 6
	errs := make(chan error, workers*3)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, err := svc.Register(ctx, RegisterRequest{Name: "add", ModuleGroup: "math_ops", Code: addV2, TestCode: addTest})
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := svc.Register(ctx, RegisterRequest{Name: "add", ModuleGroup: "math_ops", Code: addBroken, TestCode: addTest})
			errs <- err
		}()
		go func() {
			defer wg.Done()
			errs <- svc.Activate(ctx, "add", 1)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	versions, err := svc.Versions(ctx, "add")
	require.NoError(t, err)
	require.Len(t, versions, 1+2*workers)

	active := 0
	for _, v := range versions {
		if v.Active {
			active++
			assert.NotEqual(t, addBroken, v.Code, "a version with failing tests became active")
		}
	}
	assert.Equal(t, 1, active)
}
