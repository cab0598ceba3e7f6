// Package recurring runs dollar-cost-averaging orders on a fixed cadence.
//
// Each due order is claimed with a compare-and-swap on its version, checked
// against its delegation (revoked, expired, or short on allowance pauses it),
// and then executed through the execution coordinator without an approval
// step. Every claimed cycle produces exactly one Attempt. Cycles whose
// confirmation timed out are booked as pending and settled later from the
// coordinator's reconciliation outcome.
package recurring
