package recurring

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	xerrors "VaultPilot/internal/errors"
	"VaultPilot/internal/storage/sqldb"
	"VaultPilot/internal/strategy"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	db, err := sqldb.Open(context.Background(), sqldb.Config{Driver: sqldb.DialectSQLite, DSN: ":memory:", AutoMigrate: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db)
}

var storeFactories = map[string]func(t *testing.T) Store{
	"memory": func(*testing.T) Store { return NewMemoryStore() },
	"sqlite": newSQLiteStore,
}

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newOrder(id, owner string, next time.Time) *Order {
	remaining := decimal.RequireFromString("100")
	return &Order{
		ID:    id,
		Owner: owner,
		Authority: strategy.SigningAuthority{
			Kind:         strategy.AuthorityDelegated,
			Address:      delegateAddress,
			DelegationID: id,
		},
		StrategyType:              "swap",
		SourceAsset:               "USDC",
		DestinationAsset:          "ETH",
		AmountPerCycle:            decimal.RequireFromString("10"),
		Frequency:                 FrequencyDaily,
		Status:                    StatusActive,
		StartAt:                   baseTime,
		NextExecutionAt:           &next,
		DelegationAmountRemaining: &remaining,
		TotalInput:                decimal.Zero,
		TotalOutput:               decimal.Zero,
		CreatedAt:                 next,
		UpdatedAt:                 next,
	}
}

func orderIDs(orders []*Order) []string {
	out := make([]string, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.ID)
	}
	return out
}

func TestStoreOrderCompareAndSwap(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			if err := store.Create(ctx, newOrder("o-1", "alice", day(1))); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := store.Create(ctx, newOrder("o-1", "alice", day(1))); !xerrors.HasCode(err, xerrors.CodeConflict) {
				t.Fatalf("duplicate create must conflict, got %v", err)
			}

			a, _ := store.Get(ctx, "o-1")
			b, _ := store.Get(ctx, "o-1")
			a.InFlight = true
			a.CurrentExecutionID = "exec-1"
			a.NextExecutionAt = nil
			if err := store.Update(ctx, a); err != nil {
				t.Fatalf("update: %v", err)
			}
			if a.Version != 1 {
				t.Fatalf("expected version 1, got %d", a.Version)
			}
			b.Status = StatusPaused
			if err := store.Update(ctx, b); !stdErrors.Is(err, ErrVersionConflict) {
				t.Fatalf("expected version conflict, got %v", err)
			}

			got, err := store.Get(ctx, "o-1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if !got.InFlight || got.CurrentExecutionID != "exec-1" || got.Status != StatusActive || got.NextExecutionAt != nil {
				t.Fatalf("unexpected order: %+v", got)
			}
			if !got.DelegationAmountRemaining.Equal(decimal.RequireFromString("100")) {
				t.Fatalf("allowance lost in round trip: %s", got.DelegationAmountRemaining)
			}
			if _, err := store.Get(ctx, "missing"); !stdErrors.Is(err, ErrOrderNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestStoreDueAndInFlight(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			early := newOrder("o-early", "alice", day(1))
			late := newOrder("o-late", "alice", day(3))
			paused := newOrder("o-paused", "bob", day(1))
			paused.Status = StatusPaused
			claimed := newOrder("o-claimed", "bob", day(1))
			claimedAt := day(1)
			claimed.InFlight = true
			claimed.ClaimedAt = &claimedAt
			for _, o := range []*Order{late, early, paused, claimed} {
				if err := store.Create(ctx, o); err != nil {
					t.Fatalf("create %s: %v", o.ID, err)
				}
			}

			due, err := store.Due(ctx, day(2), 10)
			if err != nil {
				t.Fatalf("due: %v", err)
			}
			if ids := orderIDs(due); len(ids) != 1 || ids[0] != "o-early" {
				t.Fatalf("unexpected due orders: %v", ids)
			}
			due, _ = store.Due(ctx, day(3), 10)
			if ids := orderIDs(due); len(ids) != 2 || ids[0] != "o-early" || ids[1] != "o-late" {
				t.Fatalf("due orders must be ordered by schedule: %v", ids)
			}

			stale, err := store.InFlight(ctx, day(1).Add(time.Minute))
			if err != nil {
				t.Fatalf("in flight: %v", err)
			}
			if ids := orderIDs(stale); len(ids) != 1 || ids[0] != "o-claimed" {
				t.Fatalf("unexpected in flight orders: %v", ids)
			}
			if stale, _ = store.InFlight(ctx, day(1)); len(stale) != 0 {
				t.Fatalf("fresh claims must not be reported")
			}

			bobs, err := store.List(ctx, buildListOptions([]ListOption{WithOwner("bob"), WithStatuses(StatusPaused)}))
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if ids := orderIDs(bobs); len(ids) != 1 || ids[0] != "o-paused" {
				t.Fatalf("unexpected filtered list: %v", ids)
			}
			page, _ := store.List(ctx, buildListOptions([]ListOption{WithLimit(2), WithOffset(1)}))
			if ids := orderIDs(page); len(ids) != 2 || ids[0] != "o-paused" || ids[1] != "o-early" {
				t.Fatalf("unexpected page: %v", ids)
			}
		})
	}
}

func TestStoreAttemptsSettleOnce(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			first := &Attempt{ID: "exec-1", OrderID: "o-1", ExecutionID: "exec-1", ExecutedAt: day(1), AmountIn: decimal.RequireFromString("10"), Status: AttemptPending}
			second := &Attempt{ID: "exec-2", OrderID: "o-1", ExecutionID: "exec-2", ExecutedAt: day(2), Status: AttemptFailed, ErrorCode: "SIMULATION_FAILED"}
			for _, a := range []*Attempt{second, first} {
				if err := store.AppendAttempt(ctx, a); err != nil {
					t.Fatalf("append %s: %v", a.ID, err)
				}
			}
			if err := store.AppendAttempt(ctx, first); !xerrors.HasCode(err, xerrors.CodeConflict) {
				t.Fatalf("duplicate attempt must conflict, got %v", err)
			}

			attempts, err := store.ListAttempts(ctx, "o-1")
			if err != nil {
				t.Fatalf("list attempts: %v", err)
			}
			if len(attempts) != 2 || attempts[0].ID != "exec-1" || attempts[1].ID != "exec-2" {
				t.Fatalf("attempts must be ordered by execution time: %+v", attempts)
			}

			got, err := store.GetAttemptByExecution(ctx, "exec-1")
			if err != nil {
				t.Fatalf("get attempt: %v", err)
			}
			settledAt := day(2)
			got.Status = AttemptSuccess
			got.SettledAt = &settledAt
			if err := store.SettleAttempt(ctx, got); err != nil {
				t.Fatalf("settle: %v", err)
			}
			if err := store.SettleAttempt(ctx, got); !stdErrors.Is(err, ErrAttemptSettled) {
				t.Fatalf("second settle must fail, got %v", err)
			}
			if err := store.SettleAttempt(ctx, &Attempt{ID: "missing", Status: AttemptSuccess}); !stdErrors.Is(err, ErrAttemptNotFound) {
				t.Fatalf("expected attempt not found, got %v", err)
			}

			reloaded, _ := store.GetAttemptByExecution(ctx, "exec-1")
			if reloaded.Status != AttemptSuccess || reloaded.SettledAt == nil || !reloaded.AmountIn.Equal(decimal.RequireFromString("10")) {
				t.Fatalf("unexpected settled attempt: %+v", reloaded)
			}
		})
	}
}

func TestStorePendingAttempts(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			attempts := []*Attempt{
				{ID: "exec-3", OrderID: "o-2", ExecutionID: "exec-3", ExecutedAt: day(3), Status: AttemptPending},
				{ID: "exec-1", OrderID: "o-1", ExecutionID: "exec-1", ExecutedAt: day(1), Status: AttemptPending},
				{ID: "exec-2", OrderID: "o-1", ExecutionID: "exec-2", ExecutedAt: day(2), Status: AttemptSuccess},
			}
			for _, a := range attempts {
				if err := store.AppendAttempt(ctx, a); err != nil {
					t.Fatalf("append %s: %v", a.ID, err)
				}
			}

			pending, err := store.PendingAttempts(ctx, 10)
			if err != nil {
				t.Fatalf("pending attempts: %v", err)
			}
			if len(pending) != 2 || pending[0].ID != "exec-1" || pending[1].ID != "exec-3" {
				t.Fatalf("expected pending attempts oldest first, got %+v", pending)
			}
			limited, err := store.PendingAttempts(ctx, 1)
			if err != nil || len(limited) != 1 || limited[0].ID != "exec-1" {
				t.Fatalf("expected the oldest pending attempt only, got %+v %v", limited, err)
			}

			settled := *pending[0]
			settled.Status = AttemptFailed
			if err := store.SettleAttempt(ctx, &settled); err != nil {
				t.Fatalf("settle: %v", err)
			}
			pending, err = store.PendingAttempts(ctx, 10)
			if err != nil || len(pending) != 1 || pending[0].ID != "exec-3" {
				t.Fatalf("settled attempt must leave the pending set, got %+v %v", pending, err)
			}
		})
	}
}
