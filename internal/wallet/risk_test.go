package wallet

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"VaultPilot/internal/approval"
	"VaultPilot/internal/strategy"
)

func TestDeriveRiskLevel(t *testing.T) {
	policy := DefaultRiskPolicy()
	cases := []struct {
		name string
		fee  string
		plan *strategy.Plan
		want approval.RiskLevel
	}{
		{"cheap and verified", "0.001", &strategy.Plan{SlippageBps: 30}, approval.RiskLow},
		{"medium fee", "0.01", &strategy.Plan{}, approval.RiskMedium},
		{"high fee", "0.06", &strategy.Plan{}, approval.RiskHigh},
		{"unverified asset", "0.0001", &strategy.Plan{RiskFlags: []string{strategy.RiskFlagUnverifiedAsset}}, approval.RiskHigh},
		{"new asset", "0.0001", &strategy.Plan{RiskFlags: []string{strategy.RiskFlagNewAsset}}, approval.RiskHigh},
		{"slippage above bound", "0.0001", &strategy.Plan{SlippageBps: 250}, approval.RiskMedium},
		{"nil plan", "0.0001", nil, approval.RiskLow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := policy.DeriveRiskLevel(decimal.RequireFromString(tc.fee), tc.plan)
			if got != tc.want {
				t.Fatalf("want %s, got %s", tc.want, got)
			}
		})
	}
}

func TestMemoryFeeCacheBuckets(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := NewMemoryFeeCache(30*time.Second, func() time.Time { return now })
	ctx := context.Background()

	if _, ok := cache.Get(ctx, "k"); ok {
		t.Fatal("empty cache must miss")
	}
	cache.Set(ctx, "k", decimal.RequireFromString("0.1"))
	if fee, ok := cache.Get(ctx, "k"); !ok || !fee.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("expected hit, got %s %v", fee, ok)
	}
	now = now.Add(30 * time.Second)
	if _, ok := cache.Get(ctx, "k"); ok {
		t.Fatal("entry must expire when the bucket rolls over")
	}
}
