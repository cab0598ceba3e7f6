package execution

import (
	"strings"
	"time"

	xerrors "VaultPilot/internal/errors"
)

// SortOrder defines how results should be ordered when listing executions.
type SortOrder int

const (
	// SortByUpdatedDesc orders executions by UpdatedAt descending (most recent first).
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc orders executions by UpdatedAt ascending (oldest first).
	SortByUpdatedAsc
)

// MaxListLimit caps a single page.
const MaxListLimit = 100

// ListOptions controls how executions are selected when querying the store.
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	Owner      string
	OrderID    string
	ErrorCode  xerrors.Code
	UpdatedGTE int64
	UpdatedLTE int64
	Order      SortOrder
	Query      string
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > MaxListLimit {
		opts.Limit = MaxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Owner = strings.TrimSpace(opts.Owner)
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of executions returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching executions before returning results.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses filters executions by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithOwner restricts results to executions started by one owner.
func WithOwner(owner string) ListOption {
	return func(opts *ListOptions) {
		opts.Owner = owner
	}
}

// WithOrderID restricts results to cycles of one recurring order.
func WithOrderID(orderID string) ListOption {
	return func(opts *ListOptions) {
		opts.OrderID = orderID
	}
}

// WithErrorCode filters failed executions by error code.
func WithErrorCode(code xerrors.Code) ListOption {
	return func(opts *ListOptions) {
		opts.ErrorCode = code
	}
}

// WithUpdatedSince filters executions updated after the provided instant (inclusive).
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedGTE = 0
			return
		}
		opts.UpdatedGTE = ts.UnixMilli()
	}
}

// WithUpdatedUntil filters executions updated before the provided instant (inclusive).
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedLTE = 0
			return
		}
		opts.UpdatedLTE = ts.UnixMilli()
	}
}

// WithSortOrder changes the returned order of executions.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

// WithQuery filters executions by substring match on id and strategy type.
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) {
		opts.Query = query
	}
}

// buildListOptions applies option functions on top of defaults.
func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// matches reports whether e satisfies every filter except paging.
func (opts ListOptions) matches(e *Execution) bool {
	if len(opts.Statuses) > 0 {
		found := false
		for _, status := range opts.Statuses {
			if e.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if opts.Owner != "" && e.Owner != opts.Owner {
		return false
	}
	if opts.OrderID != "" && e.OrderID != opts.OrderID {
		return false
	}
	if opts.ErrorCode != "" && e.ErrorCode() != opts.ErrorCode {
		return false
	}
	updated := e.UpdatedAt.UnixMilli()
	if opts.UpdatedGTE > 0 && updated < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && updated > opts.UpdatedLTE {
		return false
	}
	if opts.Query != "" {
		q := strings.ToLower(opts.Query)
		if !strings.Contains(strings.ToLower(e.ID), q) && !strings.Contains(strings.ToLower(e.StrategyType), q) {
			return false
		}
	}
	return true
}
