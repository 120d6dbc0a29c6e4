package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/mcpflow/types"
)

func testCaps() Caps {
	c := DefaultCaps()
	c.WindowCost = 100
	c.Overdraft = 10
	c.DefaultReserveCost = 1
	c.RatePerSecond = 0 // rate limiting off unless a test enables it
	return c
}

func TestCheckAndReserve_BudgetDenialScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewManager(testCaps(), nil, nil)

	// Consume 99 of the 100 cap.
	g, err := m.CheckAndReserve(ctx, "u1", types.Constraints{MaxCostUnits: 99})
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, g.ReservationID, Usage{CostUnits: 99}))

	used, err := m.Used(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 99, used, 1e-9)

	// cost_used=99, cap=100, requested 5 → budget_exceeded.
	_, err = m.CheckAndReserve(ctx, "u1", types.Constraints{MaxCostUnits: 5})
	require.Error(t, err)
	assert.Equal(t, types.ErrBudgetExceeded, types.GetErrorCode(err))
}

func TestCheckAndReserve_PessimisticDebit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewManager(testCaps(), nil, nil)

	// Two concurrent 60-cost requests cannot both fit a 100 cap even
	// though neither has completed.
	_, err := m.CheckAndReserve(ctx, "u1", types.Constraints{MaxCostUnits: 60})
	require.NoError(t, err)
	_, err = m.CheckAndReserve(ctx, "u1", types.Constraints{MaxCostUnits: 60})
	require.Error(t, err)
	assert.Equal(t, types.ErrBudgetExceeded, types.GetErrorCode(err))
}

func TestRelease_RefundsOverReservation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewManager(testCaps(), nil, nil)

	g, err := m.CheckAndReserve(ctx, "u1", types.Constraints{MaxCostUnits: 80})
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, g.ReservationID, Usage{CostUnits: 5}))

	used, err := m.Used(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 5, used, 1e-9)

	outstanding, err := m.Outstanding(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, outstanding)

	// The refunded headroom is available again.
	_, err = m.CheckAndReserve(ctx, "u1", types.Constraints{MaxCostUnits: 90})
	assert.NoError(t, err)
}

func TestRelease_BackfillBoundedByOverdraft(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewManager(testCaps(), nil, nil)

	g, err := m.CheckAndReserve(ctx, "u1", types.Constraints{MaxCostUnits: 95})
	require.NoError(t, err)
	// Handler reports far more than reserved; backfill clamps at
	// reserved + overdraft.
	require.NoError(t, m.Release(ctx, g.ReservationID, Usage{CostUnits: 500}))

	used, err := m.Used(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 105, used, 1e-9)

	// Over cap: the next request is denied.
	_, err = m.CheckAndReserve(ctx, "u1", types.Constraints{MaxCostUnits: 1})
	require.Error(t, err)
	assert.Equal(t, types.ErrBudgetExceeded, types.GetErrorCode(err))
}

func TestRelease_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewManager(testCaps(), nil, nil)

	g, err := m.CheckAndReserve(ctx, "u1", types.Constraints{MaxCostUnits: 10})
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, g.ReservationID, Usage{CostUnits: 10}))
	require.NoError(t, m.Release(ctx, g.ReservationID, Usage{CostUnits: 10}))

	used, err := m.Used(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 10, used, 1e-9)
}

func TestCheckAndReserve_ConstraintInvalid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	caps := testCaps()
	caps.MaxExecutionTime = time.Minute
	caps.MaxMemoryBytes = 1 << 20
	m := NewManager(caps, nil, nil)

	_, err := m.CheckAndReserve(ctx, "u1", types.Constraints{MaxExecutionTime: 2 * time.Minute})
	require.Error(t, err)
	assert.Equal(t, types.ErrConstraintInvalid, types.GetErrorCode(err))

	_, err = m.CheckAndReserve(ctx, "u1", types.Constraints{MaxMemoryBytes: 1 << 21})
	require.Error(t, err)
	assert.Equal(t, types.ErrConstraintInvalid, types.GetErrorCode(err))

	_, err = m.CheckAndReserve(ctx, "", types.Constraints{})
	require.Error(t, err)
	assert.Equal(t, types.ErrConstraintInvalid, types.GetErrorCode(err))
}

func TestCheckAndReserve_RateLimited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	caps := testCaps()
	caps.RatePerSecond = 1
	caps.RateBurst = 2
	m := NewManager(caps, nil, nil)

	for i := 0; i < 2; i++ {
		g, err := m.CheckAndReserve(ctx, "u1", types.Constraints{MaxCostUnits: 1})
		require.NoError(t, err)
		require.NoError(t, m.Release(ctx, g.ReservationID, Usage{}))
	}
	_, err := m.CheckAndReserve(ctx, "u1", types.Constraints{MaxCostUnits: 1})
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimited, types.GetErrorCode(err))

	// Other users have their own bucket.
	_, err = m.CheckAndReserve(ctx, "u2", types.Constraints{MaxCostUnits: 1})
	assert.NoError(t, err)
}

func TestMemoryLedger_WindowExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l := NewMemoryLedger(time.Hour)
	current := time.Now()
	l.now = func() time.Time { return current }

	require.NoError(t, l.Reserve(ctx, "u1", "r1", 50, 100))
	require.NoError(t, l.Settle(ctx, "u1", "r1", 50))

	// Inside the window the usage counts.
	used, err := l.UsedInWindow(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 50, used, 1e-9)

	// After the window slides past, the same debit is forgotten.
	current = current.Add(2 * time.Hour)
	used, err = l.UsedInWindow(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, used)

	require.NoError(t, l.Reserve(ctx, "u1", "r2", 100, 100))
}
