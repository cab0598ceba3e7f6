package wallet

import (
	"github.com/shopspring/decimal"

	"VaultPilot/internal/approval"
	"VaultPilot/internal/strategy"
)

// RiskPolicy 定义风险等级的阈值。
type RiskPolicy struct {
	HighFee        decimal.Decimal
	MediumFee      decimal.Decimal
	MaxSlippageBps int
}

// DefaultRiskPolicy 返回默认阈值。
func DefaultRiskPolicy() RiskPolicy {
	return RiskPolicy{
		HighFee:        decimal.RequireFromString("0.05"),
		MediumFee:      decimal.RequireFromString("0.005"),
		MaxSlippageBps: 100,
	}
}

// DeriveRiskLevel 根据手续费与方案属性推导风险等级。
func (p RiskPolicy) DeriveRiskLevel(fee decimal.Decimal, plan *strategy.Plan) approval.RiskLevel {
	if fee.GreaterThan(p.HighFee) || plan.TouchesUnverifiedAsset() {
		return approval.RiskHigh
	}
	if fee.GreaterThan(p.MediumFee) {
		return approval.RiskMedium
	}
	if plan != nil && p.MaxSlippageBps > 0 && plan.SlippageBps > p.MaxSlippageBps {
		return approval.RiskMedium
	}
	return approval.RiskLow
}
