// Package admissiontest holds the behaviour every admission.Backend must share.
package admissiontest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"intraday-breakout-bot/internal/admission"

	"github.com/stretchr/testify/require"
)

const lockTTL = 30 * time.Minute

var ist = time.FixedZone("IST", 5*3600+1800)

// Run exercises backend semantics through a Controller. newBackend must
// return an empty backend; it is called once per subtest.
func Run(t *testing.T, newBackend func(t *testing.T) admission.Backend) {
	cases := []struct {
		name string
		fn   func(t *testing.T, c *admission.Controller)
	}{
		{"GrantThenLocked", testGrantThenLocked},
		{"SideLimit", testSideLimit},
		{"SymbolLimitSurvivesRelease", testSymbolLimitSurvivesRelease},
		{"ZeroLimitsDeny", testZeroLimitsDeny},
		{"RollbackIsIdempotent", testRollbackIsIdempotent},
		{"RollbackIgnoresStaleToken", testRollbackIgnoresStaleToken},
		{"ConcurrentSameSymbol", testConcurrentSameSymbol},
		{"ConcurrentSideCap", testConcurrentSideCap},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := newBackend(t)
			t.Cleanup(func() { _ = backend.Close() })
			tc.fn(t, admission.NewController(backend, admission.Options{Prefix: "test", Location: ist}))
		})
	}
}

func testGrantThenLocked(t *testing.T, c *admission.Controller) {
	ctx := context.Background()
	grant, outcome, err := c.TryOpen(ctx, "bull", "acme", 5, 2, lockTTL)
	require.NoError(t, err)
	require.Equal(t, admission.OutcomeGranted, outcome)
	require.Equal(t, "ACME", grant.Symbol)
	require.NotEmpty(t, grant.Token)

	_, outcome, err = c.TryOpen(ctx, "bull", "ACME", 5, 2, lockTTL)
	require.NoError(t, err)
	require.Equal(t, admission.OutcomeDeniedLocked, outcome)

	usage, err := c.Usage(ctx, "bull", "ACME")
	require.NoError(t, err)
	require.Equal(t, 1, usage.SideCount)
	require.Equal(t, 1, usage.SymbolCount)
	require.True(t, usage.Locked)
}

func testSideLimit(t *testing.T, c *admission.Controller) {
	ctx := context.Background()
	_, outcome, err := c.TryOpen(ctx, "bear", "ACME", 1, 2, lockTTL)
	require.NoError(t, err)
	require.Equal(t, admission.OutcomeGranted, outcome)

	_, outcome, err = c.TryOpen(ctx, "bear", "BETA", 1, 2, lockTTL)
	require.NoError(t, err)
	require.Equal(t, admission.OutcomeDeniedSideLimit, outcome)

	usage, err := c.Usage(ctx, "bear", "BETA")
	require.NoError(t, err)
	require.Equal(t, 1, usage.SideCount)
	require.Equal(t, 0, usage.SymbolCount, "denied reservation must not touch counters")
	require.False(t, usage.Locked)

	_, outcome, err = c.TryOpen(ctx, "mom_bear", "BETA", 1, 2, lockTTL)
	require.NoError(t, err)
	require.Equal(t, admission.OutcomeGranted, outcome, "sides are counted independently")
}

func testSymbolLimitSurvivesRelease(t *testing.T, c *admission.Controller) {
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, outcome, err := c.TryOpen(ctx, "bull", "ACME", 10, 2, lockTTL)
		require.NoError(t, err)
		require.Equal(t, admission.OutcomeGranted, outcome)
		require.NoError(t, c.Release(ctx, "ACME"))
	}
	_, outcome, err := c.TryOpen(ctx, "bull", "ACME", 10, 2, lockTTL)
	require.NoError(t, err)
	require.Equal(t, admission.OutcomeDeniedSymbolLimit, outcome)

	usage, err := c.Usage(ctx, "bull", "ACME")
	require.NoError(t, err)
	require.Equal(t, 2, usage.SymbolCount)
	require.Equal(t, 2, usage.SideCount)
	require.False(t, usage.Locked)
}

func testZeroLimitsDeny(t *testing.T, c *admission.Controller) {
	ctx := context.Background()
	_, outcome, err := c.TryOpen(ctx, "bull", "ACME", 0, 2, lockTTL)
	require.NoError(t, err)
	require.Equal(t, admission.OutcomeDeniedSideLimit, outcome)
	_, outcome, err = c.TryOpen(ctx, "bull", "ACME", 2, 0, lockTTL)
	require.NoError(t, err)
	require.Equal(t, admission.OutcomeDeniedSymbolLimit, outcome)
}

func testRollbackIsIdempotent(t *testing.T, c *admission.Controller) {
	ctx := context.Background()
	_, outcome, err := c.TryOpen(ctx, "bull", "ACME", 5, 3, lockTTL)
	require.NoError(t, err)
	require.Equal(t, admission.OutcomeGranted, outcome)
	require.NoError(t, c.Release(ctx, "ACME"))

	grant, outcome, err := c.TryOpen(ctx, "bull", "ACME", 5, 3, lockTTL)
	require.NoError(t, err)
	require.Equal(t, admission.OutcomeGranted, outcome)

	undone, err := c.Rollback(ctx, grant)
	require.NoError(t, err)
	require.True(t, undone)
	undone, err = c.Rollback(ctx, grant)
	require.NoError(t, err)
	require.False(t, undone, "second rollback must be a no-op")

	usage, err := c.Usage(ctx, "bull", "ACME")
	require.NoError(t, err)
	require.Equal(t, 1, usage.SideCount)
	require.Equal(t, 1, usage.SymbolCount)
	require.False(t, usage.Locked)

	fresh, outcome, err := c.TryOpen(ctx, "bear", "BETA", 5, 3, lockTTL)
	require.NoError(t, err)
	require.Equal(t, admission.OutcomeGranted, outcome)
	for i := 0; i < 3; i++ {
		_, err := c.Rollback(ctx, fresh)
		require.NoError(t, err)
	}
	usage, err = c.Usage(ctx, "bear", "BETA")
	require.NoError(t, err)
	require.Equal(t, 0, usage.SideCount)
	require.Equal(t, 0, usage.SymbolCount)
}

func testRollbackIgnoresStaleToken(t *testing.T, c *admission.Controller) {
	ctx := context.Background()
	first, _, err := c.TryOpen(ctx, "bull", "ACME", 5, 3, lockTTL)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, "ACME"))
	_, outcome, err := c.TryOpen(ctx, "bull", "ACME", 5, 3, lockTTL)
	require.NoError(t, err)
	require.Equal(t, admission.OutcomeGranted, outcome)

	undone, err := c.Rollback(ctx, first)
	require.NoError(t, err)
	require.False(t, undone, "a released grant must not undo a later reservation")

	usage, err := c.Usage(ctx, "bull", "ACME")
	require.NoError(t, err)
	require.Equal(t, 2, usage.SymbolCount)
	require.True(t, usage.Locked)
}

func testConcurrentSameSymbol(t *testing.T, c *admission.Controller) {
	ctx := context.Background()
	const workers = 24
	outcomes := make([]admission.Outcome, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, outcomes[i], errs[i] = c.TryOpen(ctx, "bull", "ACME", 100, 1, lockTTL)
		}(i)
	}
	close(start)
	wg.Wait()

	granted := 0
	for i, outcome := range outcomes {
		require.NoError(t, errs[i])
		switch outcome {
		case admission.OutcomeGranted:
			granted++
		case admission.OutcomeDeniedLocked, admission.OutcomeDeniedSymbolLimit:
		default:
			t.Fatalf("unexpected outcome %s", outcome)
		}
	}
	require.Equal(t, 1, granted)

	usage, err := c.Usage(ctx, "bull", "ACME")
	require.NoError(t, err)
	require.Equal(t, 1, usage.SideCount)
	require.Equal(t, 1, usage.SymbolCount)

	require.NoError(t, c.Release(ctx, "ACME"))
	_, outcome, err := c.TryOpen(ctx, "bull", "ACME", 100, 1, lockTTL)
	require.NoError(t, err)
	require.Equal(t, admission.OutcomeDeniedSymbolLimit, outcome)
}

func testConcurrentSideCap(t *testing.T, c *admission.Controller) {
	ctx := context.Background()
	const symbols = 16
	const sideCap = 5
	var granted sync.Map
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < symbols; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			symbol := fmt.Sprintf("SYM%02d", i)
			_, outcome, err := c.TryOpen(ctx, "mom_bull", symbol, sideCap, 2, lockTTL)
			if err == nil && outcome == admission.OutcomeGranted {
				granted.Store(symbol, true)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	count := 0
	granted.Range(func(_, _ any) bool {
		count++
		return true
	})
	require.Equal(t, sideCap, count)
	usage, err := c.Usage(ctx, "mom_bull", "")
	require.NoError(t, err)
	require.Equal(t, sideCap, usage.SideCount)
}
