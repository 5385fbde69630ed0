package model

import "time"

// RewardSummary aggregates a set of entries.
type RewardSummary struct {
	TotalEntries     int                 `json:"totalEntries"`
	TotalPoints      int64               `json:"totalPoints"`
	PointsByType     map[EntryType]int64 `json:"pointsByType"`
	CountByType      map[EntryType]int   `json:"countByType"`
	PointsByCategory map[string]int64    `json:"pointsByCategory"`
	CountByCategory  map[string]int      `json:"countByCategory"`
	FavoriteCategory string              `json:"favoriteCategory"`
	FirstActivity    *time.Time          `json:"firstActivity"`
	LastActivity     *time.Time          `json:"lastActivity"`
}

// SummarizeEntries derives a RewardSummary. The favourite category has the most
// entries; ties go to more points, then to the smaller id.
func SummarizeEntries(es []RewardEntry) RewardSummary {
	s := RewardSummary{
		PointsByType:     map[EntryType]int64{},
		CountByType:      map[EntryType]int{},
		PointsByCategory: map[string]int64{},
		CountByCategory:  map[string]int{},
	}
	for _, e := range es {
		s.TotalEntries++
		s.TotalPoints += e.Points
		s.PointsByType[e.Type] += e.Points
		s.CountByType[e.Type]++
		s.PointsByCategory[e.CategoryID] += e.Points
		s.CountByCategory[e.CategoryID]++
		s.FirstActivity, s.LastActivity = widen(s.FirstActivity, s.LastActivity, e.CreatedAt)
	}
	s.FavoriteCategory = favourite(s.CountByCategory, s.PointsByCategory)
	return s
}

// RedemptionStats aggregates a set of redemption transactions.
type RedemptionStats struct {
	TotalTransactions   int                         `json:"totalTransactions"`
	CountByStatus       map[TransactionStatus]int   `json:"countByStatus"`
	PointsByStatus      map[TransactionStatus]int64 `json:"pointsByStatus"`
	TotalPointsRedeemed int64                       `json:"totalPointsRedeemed"`
	TotalUnits          int64                       `json:"totalUnits"`
	FavoriteOption      string                      `json:"favoriteOption"`
	FirstRedemption     *time.Time                  `json:"firstRedemption"`
	LastRedemption      *time.Time                  `json:"lastRedemption"`
}

// SummarizeRedemptions derives RedemptionStats. Cancelled transactions are counted
// but do not add to TotalPointsRedeemed, TotalUnits or the favourite option.
func SummarizeRedemptions(ts []RedemptionTransaction) RedemptionStats {
	s := RedemptionStats{
		CountByStatus:  map[TransactionStatus]int{},
		PointsByStatus: map[TransactionStatus]int64{},
	}
	optCount := map[string]int{}
	optPoints := map[string]int64{}
	for _, t := range ts {
		s.TotalTransactions++
		s.CountByStatus[t.Status]++
		s.PointsByStatus[t.Status] += t.PointsUsed
		if t.Status.DeductsBalance() {
			s.TotalPointsRedeemed += t.PointsUsed
			s.TotalUnits += t.Units
			optCount[t.OptionID]++
			optPoints[t.OptionID] += t.PointsUsed
		}
		s.FirstRedemption, s.LastRedemption = widen(s.FirstRedemption, s.LastRedemption, t.RedeemedAt)
	}
	s.FavoriteOption = favourite(optCount, optPoints)
	return s
}

func widen(first, last *time.Time, t time.Time) (*time.Time, *time.Time) {
	if first == nil || t.Before(*first) {
		v := t
		first = &v
	}
	if last == nil || t.After(*last) {
		v := t
		last = &v
	}
	return first, last
}

func favourite(counts map[string]int, points map[string]int64) string {
	best := ""
	for id, n := range counts {
		if best == "" {
			best = id
			continue
		}
		switch {
		case n > counts[best]:
			best = id
		case n == counts[best] && points[id] > points[best]:
			best = id
		case n == counts[best] && points[id] == points[best] && id < best:
			best = id
		}
	}
	return best
}
