package model

import (
	"bytes"
	"sort"
	"time"

	"github.com/and161185/rewardledger/internal/rules"
)

// Pagination defaults.
const (
	DefaultPage  = 1
	DefaultLimit = 20
)

// DateRange bounds a query; From is inclusive, To exclusive. Nil bounds are open.
type DateRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// Contains reports whether t falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	if r.From != nil && t.Before(*r.From) {
		return false
	}
	if r.To != nil && !t.Before(*r.To) {
		return false
	}
	return true
}

// Validate checks the bounds order.
func (r DateRange) Validate() error { return rules.ValidateDateRange(r.From, r.To) }

// HistoryQuery filters and pages reward entries. Filters combine with AND.
type HistoryQuery struct {
	DateRange
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	CategoryID string      `json:"categoryId,omitempty"`
	Types      []EntryType `json:"types,omitempty"`
}

// Normalize fills zero page/limit with defaults.
func (q HistoryQuery) Normalize() HistoryQuery {
	if q.Page == 0 {
		q.Page = DefaultPage
	}
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	return q
}

// Validate enforces pagination bounds and the date range.
func (q HistoryQuery) Validate() error {
	if err := rules.ValidatePagination(q.Page, q.Limit); err != nil {
		return err
	}
	return q.DateRange.Validate()
}

// Matches reports whether e passes every filter.
func (q HistoryQuery) Matches(e RewardEntry) bool {
	if !q.Contains(e.CreatedAt) {
		return false
	}
	if q.CategoryID != "" && e.CategoryID != q.CategoryID {
		return false
	}
	if len(q.Types) > 0 {
		found := false
		for _, t := range q.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// RedemptionQuery filters and pages redemption transactions.
type RedemptionQuery struct {
	DateRange
	Page     int                 `json:"page"`
	Limit    int                 `json:"limit"`
	Statuses []TransactionStatus `json:"statuses,omitempty"`
	OptionID string              `json:"optionId,omitempty"`
}

// Normalize fills zero page/limit with defaults.
func (q RedemptionQuery) Normalize() RedemptionQuery {
	if q.Page == 0 {
		q.Page = DefaultPage
	}
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	return q
}

// Validate enforces pagination bounds and the date range.
func (q RedemptionQuery) Validate() error {
	if err := rules.ValidatePagination(q.Page, q.Limit); err != nil {
		return err
	}
	return q.DateRange.Validate()
}

// Matches reports whether t passes every filter.
func (q RedemptionQuery) Matches(t RedemptionTransaction) bool {
	if !q.Contains(t.RedeemedAt) {
		return false
	}
	if q.OptionID != "" && t.OptionID != q.OptionID {
		return false
	}
	if len(q.Statuses) > 0 {
		found := false
		for _, s := range q.Statuses {
			if s == t.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Page is one slice of an ordered result set.
type Page[T any] struct {
	Items   []T  `json:"items"`
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasMore bool `json:"hasMore"`
}

// Paginate cuts page number page of size limit out of items.
func Paginate[T any](items []T, page, limit int) Page[T] {
	p := Page[T]{Items: []T{}, Page: page, Limit: limit, Total: len(items)}
	start := (page - 1) * limit
	if start >= len(items) || start < 0 {
		return p
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	p.Items = append(p.Items, items[start:end]...)
	p.HasMore = end < len(items)
	return p
}

// SortEntriesNewestFirst orders by CreatedAt then ID, both descending.
func SortEntriesNewestFirst(es []RewardEntry) {
	sort.SliceStable(es, func(i, j int) bool {
		if !es[i].CreatedAt.Equal(es[j].CreatedAt) {
			return es[i].CreatedAt.After(es[j].CreatedAt)
		}
		return bytes.Compare(es[i].ID[:], es[j].ID[:]) > 0
	})
}

// SortTransactionsNewestFirst orders by RedeemedAt then ID, both descending.
func SortTransactionsNewestFirst(ts []RedemptionTransaction) {
	sort.SliceStable(ts, func(i, j int) bool {
		if !ts[i].RedeemedAt.Equal(ts[j].RedeemedAt) {
			return ts[i].RedeemedAt.After(ts[j].RedeemedAt)
		}
		return bytes.Compare(ts[i].ID[:], ts[j].ID[:]) > 0
	})
}
