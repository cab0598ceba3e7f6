package recurring

import (
	"context"
	stdErrors "errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	xerrors "VaultPilot/internal/errors"
	"VaultPilot/internal/execution"
	"VaultPilot/internal/observability/alerting"
	"VaultPilot/internal/strategy"
	"VaultPilot/internal/wallet"
)

const delegateAddress = "0x00000000000000000000000000000000000000dd"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// fakeExecutor 立即以 outcome 给出的终态完成每个执行。
type fakeExecutor struct {
	mu         sync.Mutex
	starts     []execution.StartRequest
	executions map[string]*execution.Execution
	plans      map[string]*strategy.Plan
	outcome    func(req execution.StartRequest) *execution.Execution
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		executions: make(map[string]*execution.Execution),
		plans:      make(map[string]*strategy.Plan),
		outcome:    succeed,
	}
}

func succeed(req execution.StartRequest) *execution.Execution {
	fee := decimal.RequireFromString("0.01")
	return &execution.Execution{
		ID:             req.ID,
		Status:         execution.StatusSuccess,
		TransactionRef: "0xtx-" + req.ID,
		ActualFee:      &fee,
		Result: map[string]any{
			"input_amount":    req.Input.OptionalString("amount"),
			"expected_output": "5",
			"slippage_bps":    50,
			"route":           "test-pool",
		},
	}
}

func failWith(code xerrors.Code) func(req execution.StartRequest) *execution.Execution {
	return func(req execution.StartRequest) *execution.Execution {
		return &execution.Execution{
			ID:     req.ID,
			Status: execution.StatusFailed,
			Error:  &execution.ErrorInfo{Code: code, Message: "boom"},
		}
	}
}

func (f *fakeExecutor) Start(_ context.Context, req execution.StartRequest) (*execution.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.executions[req.ID]; ok {
		return e.Clone(), nil
	}
	f.starts = append(f.starts, req)
	e := f.outcome(req)
	e.OrderID = req.OrderID
	e.Authority = req.Authority
	f.executions[req.ID] = e
	amount, _ := req.Input.Decimal("amount")
	f.plans[req.ID] = &strategy.Plan{
		InputAmount:    amount,
		ExpectedOutput: decimal.RequireFromString("5"),
		SlippageBps:    50,
		Route:          "test-pool",
	}
	return e.Clone(), nil
}

func (f *fakeExecutor) Get(_ context.Context, id string) (*execution.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return nil, xerrors.Newf(execution.CodeNotFound, "执行 %s 不存在", id)
	}
	return e.Clone(), nil
}

func (f *fakeExecutor) WaitUntilTerminal(ctx context.Context, id string, _ time.Duration) (*execution.Execution, error) {
	return f.Get(ctx, id)
}

func (f *fakeExecutor) Plan(_ context.Context, id string) (*strategy.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plans[id], nil
}

func (f *fakeExecutor) put(e *execution.Execution) {
	f.mu.Lock()
	f.executions[e.ID] = e
	f.mu.Unlock()
}

func (f *fakeExecutor) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	d.events = append(d.events, event)
	d.mu.Unlock()
	return nil
}

func (d *recordingDispatcher) codes() []xerrors.Code {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]xerrors.Code, 0, len(d.events))
	for _, e := range d.events {
		out = append(out, e.Code)
	}
	return out
}

type harness struct {
	scheduler *Scheduler
	store     *MemoryStore
	executor  *fakeExecutor
	clock     *fakeClock
	alerts    *recordingDispatcher
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:    NewMemoryStore(),
		executor: newFakeExecutor(),
		clock:    &fakeClock{now: baseTime},
		alerts:   &recordingDispatcher{},
	}
	opts = append([]Option{
		WithClock(h.clock.Now),
		WithAlertDispatcher(h.alerts),
		WithPollInterval(time.Millisecond),
	}, opts...)
	scheduler, err := NewScheduler(h.store, h.executor, opts...)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	h.scheduler = scheduler
	return h
}

func decimalPtr(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func timePtr(t time.Time) *time.Time { return &t }

func dailyOrder() CreateOrderRequest {
	return CreateOrderRequest{
		Owner:            "alice",
		Address:          delegateAddress,
		SourceAsset:      "USDC",
		DestinationAsset: "ETH",
		AmountPerCycle:   decimal.RequireFromString("10"),
		Frequency:        FrequencyDaily,
		DelegationAmount: decimalPtr("100"),
	}
}

func (h *harness) create(t *testing.T, req CreateOrderRequest) *Order {
	t.Helper()
	o, err := h.scheduler.CreateOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func (h *harness) order(t *testing.T, id string) *Order {
	t.Helper()
	o, err := h.scheduler.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	return o
}

func (h *harness) attempts(t *testing.T, id string) []*Attempt {
	t.Helper()
	attempts, err := h.scheduler.Attempts(context.Background(), id)
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	return attempts
}

func day(n int) time.Time { return baseTime.Add(time.Duration(n) * 24 * time.Hour) }

func TestCreateOrderValidation(t *testing.T) {
	h := newHarness(t, WithStrategies(strategy.NewRegistry(&strategy.Transfer{})))
	cases := map[string]func(r *CreateOrderRequest){
		"missing owner":      func(r *CreateOrderRequest) { r.Owner = "" },
		"bad address":        func(r *CreateOrderRequest) { r.Address = "not-an-address" },
		"zero amount":        func(r *CreateOrderRequest) { r.AmountPerCycle = decimal.Zero },
		"bad frequency":      func(r *CreateOrderRequest) { r.Frequency = "hourly" },
		"missing asset":      func(r *CreateOrderRequest) { r.DestinationAsset = "" },
		"unknown strategy":   func(r *CreateOrderRequest) { r.StrategyType = "lend" },
		"negative allowance": func(r *CreateOrderRequest) { r.DelegationAmount = decimalPtr("-1") },
		"ends before first":  func(r *CreateOrderRequest) { r.EndAt = timePtr(baseTime.Add(time.Hour)) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := dailyOrder()
			req.StrategyType = "transfer"
			mutate(&req)
			_, err := h.scheduler.CreateOrder(context.Background(), req)
			if !xerrors.HasCode(err, execution.CodeValidationFailed) {
				t.Fatalf("expected validation failure, got %v", err)
			}
		})
	}
}

func TestCreateOrderSchedulesFirstCycle(t *testing.T) {
	h := newHarness(t)
	o := h.create(t, dailyOrder())

	if o.Status != StatusActive || o.StrategyType != defaultStrategy {
		t.Fatalf("unexpected order: %+v", o)
	}
	if o.NextExecutionAt == nil || !o.NextExecutionAt.Equal(day(1)) {
		t.Fatalf("expected first cycle at %v, got %v", day(1), o.NextExecutionAt)
	}
	if !o.Authority.Delegated() || o.Authority.DelegationID != o.ID {
		t.Fatalf("order must sign with its own delegation: %+v", o.Authority)
	}
}

func TestTickExecutesDueOrder(t *testing.T) {
	h := newHarness(t)
	o := h.create(t, dailyOrder())
	ctx := context.Background()

	if ran, err := h.scheduler.Tick(ctx, day(1).Add(-time.Minute)); err != nil || ran != 0 {
		t.Fatalf("order is not due yet: ran=%d err=%v", ran, err)
	}
	ran, err := h.scheduler.Tick(ctx, day(1))
	if err != nil || ran != 1 {
		t.Fatalf("expected one cycle, ran=%d err=%v", ran, err)
	}

	req := h.executor.starts[0]
	if req.OrderID != o.ID || !req.Authority.Delegated() || req.Input.OptionalString("amount") != "10" || req.Input.OptionalString("to") != "ETH" {
		t.Fatalf("unexpected start request: %+v", req)
	}

	got := h.order(t, o.ID)
	if got.ExecutionCount != 1 || got.FailedAttemptCount != 0 || got.InFlight {
		t.Fatalf("unexpected bookkeeping: %+v", got)
	}
	if !got.DelegationAmountRemaining.Equal(decimal.RequireFromString("90")) {
		t.Fatalf("expected allowance 90, got %s", got.DelegationAmountRemaining)
	}
	if !got.TotalInput.Equal(decimal.RequireFromString("10")) || !got.TotalOutput.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("unexpected totals: in=%s out=%s", got.TotalInput, got.TotalOutput)
	}
	if got.NextExecutionAt == nil || !got.NextExecutionAt.Equal(day(2)) {
		t.Fatalf("expected next cycle at %v, got %v", day(2), got.NextExecutionAt)
	}

	attempts := h.attempts(t, o.ID)
	if len(attempts) != 1 {
		t.Fatalf("expected one attempt, got %d", len(attempts))
	}
	a := attempts[0]
	if a.Status != AttemptSuccess || a.ExecutionID != req.ID || a.RouteRef != "test-pool" || a.SlippageBps != 50 {
		t.Fatalf("unexpected attempt: %+v", a)
	}
	if !a.Price.Equal(decimal.RequireFromString("0.5")) || !a.GasCost.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("unexpected price or gas: %+v", a)
	}
}

func TestExpiredDelegationPausesWithoutExecuting(t *testing.T) {
	h := newHarness(t)
	req := dailyOrder()
	req.DelegationExpiresAt = timePtr(baseTime.Add(12 * time.Hour))
	o := h.create(t, req)

	if ran, _ := h.scheduler.Tick(context.Background(), day(1)); ran != 0 {
		t.Fatalf("expired delegation must not run, ran=%d", ran)
	}
	if h.executor.startCount() != 0 {
		t.Fatalf("executor must not be invoked")
	}
	got := h.order(t, o.ID)
	if got.Status != StatusPaused || got.PauseReason != PauseDelegationExpired || got.InFlight || got.NextExecutionAt != nil {
		t.Fatalf("unexpected order: %+v", got)
	}
	if len(h.attempts(t, o.ID)) != 0 {
		t.Fatalf("no attempt may be recorded")
	}
	if codes := h.alerts.codes(); len(codes) != 1 || codes[0] != wallet.CodeDelegationInvalid {
		t.Fatalf("expected delegation alert, got %v", codes)
	}
}

func TestInsufficientDelegationPauses(t *testing.T) {
	h := newHarness(t)
	req := dailyOrder()
	req.DelegationAmount = decimalPtr("15")
	o := h.create(t, req)
	ctx := context.Background()

	if ran, _ := h.scheduler.Tick(ctx, day(1)); ran != 1 {
		t.Fatalf("first cycle fits the allowance")
	}
	if ran, _ := h.scheduler.Tick(ctx, day(2)); ran != 0 {
		t.Fatalf("second cycle exceeds the allowance")
	}
	got := h.order(t, o.ID)
	if got.Status != StatusPaused || got.PauseReason != PauseInsufficientDelegation {
		t.Fatalf("unexpected order: %+v", got)
	}
	if h.executor.startCount() != 1 {
		t.Fatalf("expected one execution, got %d", h.executor.startCount())
	}
}

func TestConsecutiveFailuresPauseOrder(t *testing.T) {
	h := newHarness(t)
	h.executor.outcome = failWith(wallet.CodeSimulationFailed)
	o := h.create(t, dailyOrder())
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if ran, err := h.scheduler.Tick(ctx, day(i)); err != nil || ran != 1 {
			t.Fatalf("tick %d: ran=%d err=%v", i, ran, err)
		}
	}
	got := h.order(t, o.ID)
	if got.Status != StatusPaused || got.PauseReason != PauseMaxFailuresExceeded || got.FailedAttemptCount != 5 {
		t.Fatalf("unexpected order: %+v", got)
	}
	if !got.DelegationAmountRemaining.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("failed cycles must not spend allowance, got %s", got.DelegationAmountRemaining)
	}

	if ran, _ := h.scheduler.Tick(ctx, day(6)); ran != 0 {
		t.Fatalf("paused order must not run")
	}
	if h.executor.startCount() != 5 {
		t.Fatalf("expected five executions, got %d", h.executor.startCount())
	}
	attempts := h.attempts(t, o.ID)
	if len(attempts) != 5 {
		t.Fatalf("expected five attempts, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a.Status != AttemptFailed || a.ErrorCode != wallet.CodeSimulationFailed || a.RetryCount != i {
			t.Fatalf("unexpected attempt %d: %+v", i, a)
		}
	}
	codes := h.alerts.codes()
	if len(codes) != 1 || codes[0] != CodeMaxFailuresExceeded {
		t.Fatalf("expected one max failures alert, got %v", codes)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	h := newHarness(t)
	h.executor.outcome = failWith(wallet.CodeSubmissionFailed)
	o := h.create(t, dailyOrder())
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		_, _ = h.scheduler.Tick(ctx, day(i))
	}
	h.executor.mu.Lock()
	h.executor.outcome = succeed
	h.executor.mu.Unlock()
	_, _ = h.scheduler.Tick(ctx, day(5))

	got := h.order(t, o.ID)
	if got.Status != StatusActive || got.FailedAttemptCount != 0 || got.ExecutionCount != 1 {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestConcurrentTicksClaimOnce(t *testing.T) {
	h := newHarness(t)
	o := h.create(t, dailyOrder())

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ran, err := h.scheduler.Tick(context.Background(), day(1))
			if err != nil {
				t.Errorf("tick: %v", err)
			}
			mu.Lock()
			total += ran
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 1 || h.executor.startCount() != 1 {
		t.Fatalf("expected exactly one cycle, ran=%d starts=%d", total, h.executor.startCount())
	}
	if len(h.attempts(t, o.ID)) != 1 {
		t.Fatalf("expected one attempt")
	}
}

func TestEndAtCompletesOrder(t *testing.T) {
	h := newHarness(t)
	req := dailyOrder()
	req.EndAt = timePtr(baseTime.Add(36 * time.Hour))
	o := h.create(t, req)

	if ran, _ := h.scheduler.Tick(context.Background(), day(1)); ran != 1 {
		t.Fatalf("expected the only cycle to run")
	}
	got := h.order(t, o.ID)
	if got.Status != StatusCompleted || got.NextExecutionAt != nil || got.ExecutionCount != 1 {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestRevokeUpdateAndResume(t *testing.T) {
	h := newHarness(t)
	o := h.create(t, dailyOrder())
	ctx := context.Background()

	revoked, err := h.scheduler.RevokeDelegation(ctx, o.ID)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.Status != StatusPaused || revoked.PauseReason != PauseDelegationRevoked {
		t.Fatalf("unexpected order after revoke: %+v", revoked)
	}
	if err := h.scheduler.VerifyDelegation(ctx, o.ID); !xerrors.HasCode(err, wallet.CodeDelegationInvalid) {
		t.Fatalf("revoked delegation must fail verification, got %v", err)
	}
	if _, err := h.scheduler.Resume(ctx, o.ID); !xerrors.HasCode(err, wallet.CodeDelegationInvalid) {
		t.Fatalf("resume with revoked delegation must fail, got %v", err)
	}
	if _, err := h.scheduler.Pause(ctx, o.ID); !xerrors.HasCode(err, CodeOrderStateConflict) {
		t.Fatalf("pausing a paused order must conflict, got %v", err)
	}

	h.clock.Set(day(3))
	updated, err := h.scheduler.UpdateDelegation(ctx, o.ID, UpdateDelegationRequest{Amount: decimalPtr("50")})
	if err != nil {
		t.Fatalf("update delegation: %v", err)
	}
	if updated.DelegationRevoked || updated.Status != StatusPaused || !updated.DelegationAmountRemaining.Equal(decimal.RequireFromString("50")) {
		t.Fatalf("unexpected order after update: %+v", updated)
	}
	if err := h.scheduler.VerifyDelegation(ctx, o.ID); err != nil {
		t.Fatalf("topped up delegation must verify: %v", err)
	}

	resumed, err := h.scheduler.Resume(ctx, o.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != StatusActive || resumed.PauseReason != "" || !resumed.NextExecutionAt.Equal(day(4)) {
		t.Fatalf("unexpected order after resume: %+v", resumed)
	}
}

func TestUpdateDelegationValidation(t *testing.T) {
	h := newHarness(t)
	o := h.create(t, dailyOrder())
	ctx := context.Background()

	cases := map[string]UpdateDelegationRequest{
		"empty":       {},
		"negative":    {Amount: decimalPtr("-5")},
		"past expiry": {ExpiresAt: timePtr(baseTime.Add(-time.Hour))},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := h.scheduler.UpdateDelegation(ctx, o.ID, req); !xerrors.HasCode(err, execution.CodeValidationFailed) {
				t.Fatalf("expected validation failure, got %v", err)
			}
		})
	}
}

func TestTriggerRunsManualCycle(t *testing.T) {
	h := newHarness(t)
	o := h.create(t, dailyOrder())
	ctx := context.Background()

	a, err := h.scheduler.Trigger(ctx, o.ID)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if a.Status != AttemptSuccess {
		t.Fatalf("unexpected attempt: %+v", a)
	}
	got := h.order(t, o.ID)
	if got.ExecutionCount != 1 || !got.NextExecutionAt.Equal(day(1)) {
		t.Fatalf("unexpected order: %+v", got)
	}

	second, err := h.scheduler.Trigger(ctx, o.ID)
	if err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	if second.ExecutionID == a.ExecutionID {
		t.Fatalf("each cycle must use a fresh execution id")
	}

	if _, err := h.scheduler.Pause(ctx, o.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := h.scheduler.Trigger(ctx, o.ID); !xerrors.HasCode(err, CodeOrderStateConflict) {
		t.Fatalf("paused order must not trigger, got %v", err)
	}
	if _, err := h.scheduler.Trigger(ctx, "missing"); !stdErrors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConfirmationTimeoutSettlesOnReconcile(t *testing.T) {
	cases := map[string]struct {
		outcome        execution.ReconcileOutcome
		wantStatus     AttemptStatus
		wantCount      int
		wantFailures   int
		wantRemaining  string
		wantTotalInput string
	}{
		"landed":   {execution.OutcomeLanded, AttemptSuccess, 1, 0, "90", "10"},
		"reverted": {execution.OutcomeReverted, AttemptFailed, 0, 1, "100", "0"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.executor.outcome = failWith(wallet.CodeConfirmationTimeout)
			o := h.create(t, dailyOrder())
			ctx := context.Background()

			if ran, _ := h.scheduler.Tick(ctx, day(1)); ran != 1 {
				t.Fatalf("expected one cycle")
			}
			pending := h.attempts(t, o.ID)[0]
			if pending.Status != AttemptPending || pending.RouteRef != "test-pool" {
				t.Fatalf("unexpected pending attempt: %+v", pending)
			}
			booked := h.order(t, o.ID)
			if booked.FailedAttemptCount != 1 || !booked.DelegationAmountRemaining.Equal(decimal.RequireFromString("90")) {
				t.Fatalf("pending cycle must count as failure and reserve allowance: %+v", booked)
			}

			rec := &execution.Reconciliation{ExecutionID: pending.ExecutionID, OrderID: o.ID, Outcome: tc.outcome}
			h.scheduler.OnReconciled(ctx, rec)
			h.scheduler.OnReconciled(ctx, rec)

			settled := h.attempts(t, o.ID)[0]
			if settled.Status != tc.wantStatus || settled.SettledAt == nil {
				t.Fatalf("unexpected settled attempt: %+v", settled)
			}
			got := h.order(t, o.ID)
			if got.ExecutionCount != tc.wantCount || got.FailedAttemptCount != tc.wantFailures {
				t.Fatalf("unexpected counters: %+v", got)
			}
			if !got.DelegationAmountRemaining.Equal(decimal.RequireFromString(tc.wantRemaining)) {
				t.Fatalf("expected allowance %s, got %s", tc.wantRemaining, got.DelegationAmountRemaining)
			}
			if !got.TotalInput.Equal(decimal.RequireFromString(tc.wantTotalInput)) {
				t.Fatalf("expected total input %s, got %s", tc.wantTotalInput, got.TotalInput)
			}
			if _, err := h.scheduler.SettleAttempt(ctx, pending.ExecutionID, true); !stdErrors.Is(err, ErrAttemptSettled) {
				t.Fatalf("second settlement must fail, got %v", err)
			}
		})
	}
}

func TestRecoverStaleClaims(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lost := h.create(t, dailyOrder())
	finished := h.create(t, dailyOrder())

	claim := func(o *Order, executionID string) {
		current := h.order(t, o.ID)
		claimedAt := day(1)
		current.InFlight = true
		current.ClaimedAt = &claimedAt
		current.NextExecutionAt = nil
		current.CurrentExecutionID = executionID
		if err := h.store.Update(ctx, current); err != nil {
			t.Fatalf("claim: %v", err)
		}
	}
	claim(lost, "exec-lost")
	claim(finished, "exec-finished")
	h.executor.put(succeed(execution.StartRequest{ID: "exec-finished", Input: strategy.Input{"amount": "10"}}))

	h.clock.Set(day(1).Add(10 * time.Minute))
	if n, err := h.scheduler.RecoverStaleClaims(ctx, 15*time.Minute); err != nil || n != 0 {
		t.Fatalf("fresh claims must be left alone: n=%d err=%v", n, err)
	}

	h.clock.Set(day(1).Add(time.Hour))
	n, err := h.scheduler.RecoverStaleClaims(ctx, 15*time.Minute)
	if err != nil || n != 2 {
		t.Fatalf("expected two recovered claims: n=%d err=%v", n, err)
	}

	gotLost := h.order(t, lost.ID)
	if gotLost.InFlight || gotLost.FailedAttemptCount != 1 || gotLost.NextExecutionAt == nil {
		t.Fatalf("unexpected lost order: %+v", gotLost)
	}
	if a := h.attempts(t, lost.ID)[0]; a.Status != AttemptFailed || a.ErrorCode != execution.CodeInterrupted {
		t.Fatalf("unexpected lost attempt: %+v", a)
	}
	gotFinished := h.order(t, finished.ID)
	if gotFinished.InFlight || gotFinished.ExecutionCount != 1 {
		t.Fatalf("unexpected finished order: %+v", gotFinished)
	}
}

func TestStaleClaimSettlesOnceExecutionFinishes(t *testing.T) {
	cases := map[string]struct {
		finish        func() *execution.Execution
		wantStatus    AttemptStatus
		wantCode      xerrors.Code
		wantCount     int
		wantFailures  int
		wantRemaining string
		wantOutput    string
	}{
		"succeeded": {
			finish: func() *execution.Execution {
				e := succeed(execution.StartRequest{ID: "exec-slow", Input: strategy.Input{"amount": "10"}})
				e.Result["output_amount"] = "4.9"
				e.Result["realized_slippage_bps"] = 200
				return e
			},
			wantStatus: AttemptSuccess, wantCount: 1, wantFailures: 0, wantRemaining: "90", wantOutput: "4.9",
		},
		"reverted": {
			finish: func() *execution.Execution {
				e := failWith(wallet.CodeTransactionReverted)(execution.StartRequest{ID: "exec-slow"})
				e.TransactionRef = "0xslow"
				return e
			},
			wantStatus: AttemptFailed, wantCode: wallet.CodeTransactionReverted, wantCount: 0, wantFailures: 1, wantRemaining: "100", wantOutput: "0",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			o := h.create(t, dailyOrder())

			current := h.order(t, o.ID)
			claimedAt := day(1)
			current.InFlight = true
			current.ClaimedAt = &claimedAt
			current.NextExecutionAt = nil
			current.CurrentExecutionID = "exec-slow"
			if err := h.store.Update(ctx, current); err != nil {
				t.Fatalf("claim: %v", err)
			}
			h.executor.put(&execution.Execution{ID: "exec-slow", OrderID: o.ID, Status: execution.StatusConfirming, TransactionRef: "0xslow"})

			h.clock.Set(day(1).Add(time.Hour))
			if n, err := h.scheduler.RecoverStaleClaims(ctx, 15*time.Minute); err != nil || n != 1 {
				t.Fatalf("expected one recovered claim: n=%d err=%v", n, err)
			}
			pending := h.attempts(t, o.ID)[0]
			if pending.Status != AttemptPending || pending.ErrorCode != execution.CodeInterrupted || pending.TransactionRef != "0xslow" {
				t.Fatalf("unexpected pending attempt: %+v", pending)
			}
			booked := h.order(t, o.ID)
			if booked.FailedAttemptCount != 1 || !booked.DelegationAmountRemaining.Equal(decimal.RequireFromString("90")) {
				t.Fatalf("pending cycle must count as failure and reserve allowance: %+v", booked)
			}

			if n, err := h.scheduler.RecoverStaleClaims(ctx, 15*time.Minute); err != nil || n != 0 {
				t.Fatalf("running execution must stay pending: n=%d err=%v", n, err)
			}

			h.executor.put(tc.finish())
			if n, err := h.scheduler.RecoverStaleClaims(ctx, 15*time.Minute); err != nil || n != 1 {
				t.Fatalf("expected one settled attempt: n=%d err=%v", n, err)
			}
			settled := h.attempts(t, o.ID)[0]
			if settled.Status != tc.wantStatus || settled.ErrorCode != tc.wantCode || settled.SettledAt == nil {
				t.Fatalf("unexpected settled attempt: %+v", settled)
			}
			if !settled.AmountOut.Equal(decimal.RequireFromString(tc.wantOutput)) {
				t.Fatalf("expected output %s, got %s", tc.wantOutput, settled.AmountOut)
			}
			got := h.order(t, o.ID)
			if got.ExecutionCount != tc.wantCount || got.FailedAttemptCount != tc.wantFailures {
				t.Fatalf("unexpected counters: %+v", got)
			}
			if !got.DelegationAmountRemaining.Equal(decimal.RequireFromString(tc.wantRemaining)) {
				t.Fatalf("expected allowance %s, got %s", tc.wantRemaining, got.DelegationAmountRemaining)
			}
			if !got.TotalOutput.Equal(decimal.RequireFromString(tc.wantOutput)) {
				t.Fatalf("expected total output %s, got %s", tc.wantOutput, got.TotalOutput)
			}

			if n, err := h.scheduler.RecoverStaleClaims(ctx, 15*time.Minute); err != nil || n != 0 {
				t.Fatalf("settled attempt must not be settled again: n=%d err=%v", n, err)
			}
		})
	}
}

func TestStaleClaimTimeoutIsLeftToReconciliation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.create(t, dailyOrder())

	current := h.order(t, o.ID)
	claimedAt := day(1)
	current.InFlight = true
	current.ClaimedAt = &claimedAt
	current.NextExecutionAt = nil
	current.CurrentExecutionID = "exec-slow"
	if err := h.store.Update(ctx, current); err != nil {
		t.Fatalf("claim: %v", err)
	}
	h.executor.put(&execution.Execution{ID: "exec-slow", Status: execution.StatusConfirming, TransactionRef: "0xslow"})
	h.clock.Set(day(1).Add(time.Hour))
	if n, err := h.scheduler.RecoverStaleClaims(ctx, 15*time.Minute); err != nil || n != 1 {
		t.Fatalf("expected one recovered claim: n=%d err=%v", n, err)
	}

	timedOut := failWith(wallet.CodeConfirmationTimeout)(execution.StartRequest{ID: "exec-slow"})
	timedOut.TransactionRef = "0xslow"
	h.executor.put(timedOut)
	if n, err := h.scheduler.RecoverStaleClaims(ctx, 15*time.Minute); err != nil || n != 0 {
		t.Fatalf("confirmation timeout must wait for reconciliation: n=%d err=%v", n, err)
	}
	if a := h.attempts(t, o.ID)[0]; a.Status != AttemptPending {
		t.Fatalf("expected attempt to stay pending, got %+v", a)
	}

	h.scheduler.OnReconciled(ctx, &execution.Reconciliation{ExecutionID: "exec-slow", OrderID: o.ID, Outcome: execution.OutcomeLanded})
	if a := h.attempts(t, o.ID)[0]; a.Status != AttemptSuccess {
		t.Fatalf("expected reconciliation to settle the attempt, got %+v", a)
	}
	if got := h.order(t, o.ID); got.ExecutionCount != 1 || got.FailedAttemptCount != 0 {
		t.Fatalf("unexpected counters: %+v", got)
	}
}

func TestRealizedOutputPreferredOverQuote(t *testing.T) {
	h := newHarness(t)
	h.executor.outcome = func(req execution.StartRequest) *execution.Execution {
		e := succeed(req)
		e.Result["output_amount"] = "4.75"
		e.Result["realized_slippage_bps"] = 500
		return e
	}
	o := h.create(t, dailyOrder())
	if ran, err := h.scheduler.Tick(context.Background(), day(1)); err != nil || ran != 1 {
		t.Fatalf("expected one cycle, ran=%d err=%v", ran, err)
	}
	a := h.attempts(t, o.ID)[0]
	if !a.AmountOut.Equal(decimal.RequireFromString("4.75")) || a.SlippageBps != 500 {
		t.Fatalf("expected realized output and slippage, got %+v", a)
	}
	if !a.Price.Equal(decimal.RequireFromString("0.475")) {
		t.Fatalf("expected price 0.475, got %s", a.Price)
	}
	if got := h.order(t, o.ID); !got.TotalOutput.Equal(decimal.RequireFromString("4.75")) {
		t.Fatalf("expected total output 4.75, got %s", got.TotalOutput)
	}
}

func TestVerifyDelegation(t *testing.T) {
	h := newHarness(t)
	req := dailyOrder()
	req.DelegationExpiresAt = timePtr(day(2))
	o := h.create(t, req)
	ctx := context.Background()

	if err := h.scheduler.VerifyDelegation(ctx, o.ID); err != nil {
		t.Fatalf("valid delegation: %v", err)
	}
	if err := h.scheduler.VerifyDelegation(ctx, "unknown"); !xerrors.HasCode(err, wallet.CodeDelegationInvalid) {
		t.Fatalf("unknown delegation must be invalid, got %v", err)
	}
	h.clock.Set(day(2))
	if err := h.scheduler.VerifyDelegation(ctx, o.ID); !xerrors.HasCode(err, wallet.CodeDelegationInvalid) {
		t.Fatalf("expired delegation must be invalid, got %v", err)
	}
}

func TestRunHoldsLeaderLock(t *testing.T) {
	lockFile := filepath.Join(t.TempDir(), "scheduler.lock")
	first := newHarness(t, WithLockFile(lockFile))
	second := newHarness(t, WithLockFile(lockFile))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	release, err := first.scheduler.acquireLeadership(ctx)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer waitCancel()
	if _, err := second.scheduler.acquireLeadership(waitCtx); err == nil {
		t.Fatalf("second scheduler must wait while the lock is held")
	}

	release()
	again, err := second.scheduler.acquireLeadership(ctx)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again()
}
