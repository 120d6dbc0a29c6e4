package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/mcpflow/types"
)

// Caps configures the budget scope shared by all users of one manager.
type Caps struct {
	// WindowCost is the cost cap per user per rolling window.
	WindowCost float64 `yaml:"window_cost" json:"window_cost"`
	// Window is the rolling accounting window (default 24h).
	Window time.Duration `yaml:"window" json:"window"`
	// Overdraft bounds how far settled usage may exceed WindowCost
	// through truthful backfill before further requests are denied.
	Overdraft float64 `yaml:"overdraft" json:"overdraft"`
	// MaxExecutionTime / MaxMemoryBytes are fixed per-request ceilings.
	MaxExecutionTime time.Duration `yaml:"max_execution_time" json:"max_execution_time"`
	MaxMemoryBytes   int64         `yaml:"max_memory_bytes" json:"max_memory_bytes"`
	// DefaultReserveCost is debited when a request carries no cost
	// constraint of its own.
	DefaultReserveCost float64 `yaml:"default_reserve_cost" json:"default_reserve_cost"`
	// RatePerSecond / RateBurst bound request admission per user.
	// Zero disables rate limiting.
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst" json:"rate_burst"`
}

// DefaultCaps returns sensible defaults.
func DefaultCaps() Caps {
	return Caps{
		WindowCost:         100,
		Window:             24 * time.Hour,
		Overdraft:          10,
		MaxExecutionTime:   5 * time.Minute,
		MaxMemoryBytes:     1 << 30,
		DefaultReserveCost: 1,
		RatePerSecond:      10,
		RateBurst:          20,
	}
}

// Usage is the measured resource consumption reported by a handler.
type Usage struct {
	Duration    time.Duration `json:"duration_ms"`
	MemoryBytes int64         `json:"memory_bytes"`
	CostUnits   float64       `json:"cost_units"`
}

// Grant is a successful pessimistic reservation.
type Grant struct {
	ReservationID string    `json:"reservation_id"`
	UserID        string    `json:"user_id"`
	ReservedCost  float64   `json:"reserved_cost"`
	GrantedAt     time.Time `json:"granted_at"`
}

// Manager grants or denies execution against the ledger. All denials are
// structured (budget_exceeded, rate_limited, constraint_invalid) so the
// supervisor can map them onto TASK_ERROR / RESOURCE_DENY envelopes.
type Manager struct {
	caps   Caps
	ledger Ledger
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	grants   map[string]Grant
}

// NewManager creates a manager over the given ledger.
func NewManager(caps Caps, ledger Ledger, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ledger == nil {
		ledger = NewMemoryLedger(caps.Window)
	}
	return &Manager{
		caps:     caps,
		ledger:   ledger,
		logger:   logger.With(zap.String("component", "budget")),
		limiters: make(map[string]*rate.Limiter),
		grants:   make(map[string]Grant),
	}
}

// CheckAndReserve validates the constraints, applies the per-user rate
// limit, and pessimistically debits the cost reservation. Budget is
// debited at dispatch time, not completion, so concurrent requests from
// one user cannot double-book the same headroom.
func (m *Manager) CheckAndReserve(ctx context.Context, userID string, c types.Constraints) (Grant, error) {
	if userID == "" {
		return Grant{}, types.NewError(types.ErrConstraintInvalid, "missing user id")
	}
	if c.MaxExecutionTime > m.caps.MaxExecutionTime {
		return Grant{}, types.NewError(types.ErrConstraintInvalid,
			fmt.Sprintf("max_execution_time %s exceeds ceiling %s", c.MaxExecutionTime, m.caps.MaxExecutionTime))
	}
	if c.MaxMemoryBytes > m.caps.MaxMemoryBytes {
		return Grant{}, types.NewError(types.ErrConstraintInvalid,
			fmt.Sprintf("max_memory_bytes %d exceeds ceiling %d", c.MaxMemoryBytes, m.caps.MaxMemoryBytes))
	}

	if !m.allow(userID) {
		return Grant{}, types.NewError(types.ErrRateLimited, "rate limit exceeded for user "+userID)
	}

	cost := c.MaxCostUnits
	if cost <= 0 {
		cost = m.caps.DefaultReserveCost
	}

	reservationID := uuid.NewString()
	if err := m.ledger.Reserve(ctx, userID, reservationID, cost, m.caps.WindowCost); err != nil {
		m.logger.Info("reservation denied",
			zap.String("user_id", userID),
			zap.Float64("cost", cost),
			zap.Error(err),
		)
		return Grant{}, err
	}

	grant := Grant{
		ReservationID: reservationID,
		UserID:        userID,
		ReservedCost:  cost,
		GrantedAt:     time.Now(),
	}
	m.mu.Lock()
	m.grants[reservationID] = grant
	m.mu.Unlock()
	return grant, nil
}

// Release reconciles a reservation against actual usage on any terminal
// state. Over-reservation is refunded, under-reservation is backfilled
// (settled usage may exceed the cap up to the overdraft, after which the
// next CheckAndReserve denies). Release is idempotent.
func (m *Manager) Release(ctx context.Context, reservationID string, actual Usage) error {
	m.mu.Lock()
	grant, ok := m.grants[reservationID]
	if ok {
		delete(m.grants, reservationID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	cost := actual.CostUnits
	if cost < 0 {
		cost = 0
	}
	// Backfill is bounded by the overdraft; a handler reporting an
	// absurd cost cannot sink the user forever.
	if max := grant.ReservedCost + m.caps.Overdraft; cost > max {
		m.logger.Warn("usage exceeds reservation plus overdraft, clamping",
			zap.String("reservation_id", reservationID),
			zap.Float64("reported", cost),
			zap.Float64("clamped", max),
		)
		cost = max
	}
	return m.ledger.Settle(ctx, grant.UserID, reservationID, cost)
}

// Used returns the settled window usage for a user.
func (m *Manager) Used(ctx context.Context, userID string) (float64, error) {
	return m.ledger.UsedInWindow(ctx, userID)
}

// Outstanding returns the unsettled reservation total for a user.
func (m *Manager) Outstanding(ctx context.Context, userID string) (float64, error) {
	return m.ledger.Outstanding(ctx, userID)
}

func (m *Manager) allow(userID string) bool {
	if m.caps.RatePerSecond <= 0 {
		return true
	}
	m.mu.Lock()
	lim, ok := m.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(m.caps.RatePerSecond), m.caps.RateBurst)
		m.limiters[userID] = lim
	}
	m.mu.Unlock()
	return lim.Allow()
}

func errBudgetExceeded(userID string, committed, requested, cap float64) error {
	return types.NewError(types.ErrBudgetExceeded,
		fmt.Sprintf("user %s: committed %.2f + requested %.2f exceeds cap %.2f", userID, committed, requested, cap))
}
