package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/gofrs/uuid/v5"
)

// Lifetime-earned milestones.
var achievementThresholds = []int64{100, 500, 1000, 5000, 10000}

// badgeEntries is the number of entries in one category that earns a badge.
const badgeEntries = 10

// ExportUserData builds a read-only snapshot of the user's whole ledger.
func (s *LedgerServiceImpl) ExportUserData(ctx context.Context, userID uuid.UUID) (model.UserExport, error) {
	if err := requireUser(userID); err != nil {
		return model.UserExport{}, err
	}
	entries, err := s.repo.ListRewardEntries(ctx, userID, model.DateRange{})
	if err != nil {
		return model.UserExport{}, err
	}
	txs, err := s.repo.ListRedemptions(ctx, userID, model.DateRange{})
	if err != nil {
		return model.UserExport{}, err
	}
	available, err := s.repo.GetTotalPoints(ctx, userID)
	if err != nil {
		return model.UserExport{}, err
	}

	x := model.UserExport{
		Profile: model.ExportProfile{
			UserID:          userID,
			AvailablePoints: available,
			EntryCount:      len(entries),
			RedemptionCount: len(txs),
		},
		Statistics: model.ExportStatistics{
			Rewards:     model.SummarizeEntries(entries),
			Redemptions: model.SummarizeRedemptions(txs),
		},
		ExportedAt: s.clk.Now(),
		Version:    model.ExportVersion,
	}
	for _, e := range entries {
		if e.Points > 0 {
			x.Profile.LifetimeEarned += e.Points
		}
	}
	x.Profile.LifetimeSpent = x.Statistics.Redemptions.TotalPointsRedeemed
	x.Achievements, x.Badges = awards(entries)
	return x, nil
}

// awards walks entries oldest first and records when each milestone and badge was reached.
func awards(entries []model.RewardEntry) ([]model.Achievement, []model.Badge) {
	es := append([]model.RewardEntry(nil), entries...)
	sort.SliceStable(es, func(i, j int) bool { return es[i].CreatedAt.Before(es[j].CreatedAt) })

	achievements := make([]model.Achievement, 0, len(achievementThresholds))
	badges := make([]model.Badge, 0)
	var earned int64
	next := 0
	perCategory := map[string]int{}
	for _, e := range es {
		if e.Points > 0 {
			earned += e.Points
		}
		for next < len(achievementThresholds) && earned >= achievementThresholds[next] {
			achievements = append(achievements, model.Achievement{
				ID:         fmt.Sprintf("earned_%d", achievementThresholds[next]),
				Threshold:  achievementThresholds[next],
				AchievedAt: e.CreatedAt,
			})
			next++
		}
		perCategory[e.CategoryID]++
		if perCategory[e.CategoryID] == badgeEntries {
			badges = append(badges, model.Badge{CategoryID: e.CategoryID, AwardedAt: e.CreatedAt})
		}
	}
	for i := range badges {
		badges[i].Entries = perCategory[badges[i].CategoryID]
	}
	sort.Slice(badges, func(i, j int) bool { return badges[i].CategoryID < badges[j].CategoryID })
	return achievements, badges
}

// WriteExport serializes x in the given format ("json" or "csv").
func (s *LedgerServiceImpl) WriteExport(w io.Writer, x model.UserExport, format string) error {
	switch format {
	case "", "json":
		return WriteJSON(w, x)
	case "csv":
		return WriteCSV(w, x)
	}
	return errs.Validation(errs.RuleRequest, "format", errs.CodeInvalid, fmt.Sprintf("unknown export format %q", format))
}

// WriteJSON writes x as indented JSON.
func WriteJSON(w io.Writer, x model.UserExport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(x)
}

// WriteCSV writes x as flat section,key,value rows.
func WriteCSV(w io.Writer, x model.UserExport) error {
	cw := csv.NewWriter(w)
	row := func(section, key, value string) { _ = cw.Write([]string{section, key, value}) }
	ts := func(t time.Time) string { return t.UTC().Format(time.RFC3339) }
	n := func(v int64) string { return strconv.FormatInt(v, 10) }

	row("section", "key", "value")
	row("meta", "version", strconv.Itoa(x.Version))
	row("meta", "exported_at", ts(x.ExportedAt))

	p := x.Profile
	row("profile", "user_id", p.UserID.String())
	row("profile", "available_points", n(p.AvailablePoints))
	row("profile", "lifetime_earned", n(p.LifetimeEarned))
	row("profile", "lifetime_spent", n(p.LifetimeSpent))
	row("profile", "entry_count", strconv.Itoa(p.EntryCount))
	row("profile", "redemption_count", strconv.Itoa(p.RedemptionCount))

	for _, a := range x.Achievements {
		row("achievement", a.ID, ts(a.AchievedAt))
	}
	for _, b := range x.Badges {
		row("badge", b.CategoryID, strconv.Itoa(b.Entries))
	}

	r := x.Statistics.Rewards
	row("rewards", "total_entries", strconv.Itoa(r.TotalEntries))
	row("rewards", "total_points", n(r.TotalPoints))
	row("rewards", "favorite_category", r.FavoriteCategory)
	for _, k := range sortedKeys(r.PointsByCategory) {
		row("rewards", "points_by_category."+k, n(r.PointsByCategory[k]))
	}
	for _, t := range []model.EntryType{model.EntryEarned, model.EntryBonus, model.EntryAdjusted} {
		row("rewards", "points_by_type."+string(t), n(r.PointsByType[t]))
	}

	d := x.Statistics.Redemptions
	row("redemptions", "total_transactions", strconv.Itoa(d.TotalTransactions))
	row("redemptions", "total_points_redeemed", n(d.TotalPointsRedeemed))
	row("redemptions", "total_units", n(d.TotalUnits))
	row("redemptions", "favorite_option", d.FavoriteOption)
	for _, st := range []model.TransactionStatus{model.StatusPending, model.StatusCompleted, model.StatusCancelled, model.StatusExpired} {
		row("redemptions", "count_by_status."+string(st), strconv.Itoa(d.CountByStatus[st]))
	}

	cw.Flush()
	return cw.Error()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
