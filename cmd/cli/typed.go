package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/and161185/rewardledger/internal/api"
	"github.com/and161185/rewardledger/internal/clock"
	"github.com/and161185/rewardledger/internal/errs"
	"github.com/and161185/rewardledger/internal/model"
	"github.com/and161185/rewardledger/internal/repository/sqlite"
	"github.com/and161185/rewardledger/internal/service"
	"github.com/and161185/rewardledger/internal/syncer"
	u "github.com/gofrs/uuid/v5"
)

var errUnknownCommand = errors.New("unknown command")

// cliEnv carries what a command needs: where to print, who the user is,
// and how to reach the server and the offline store.
type cliEnv struct {
	out       io.Writer
	user      u.UUID
	localPath string
	clk       clock.Clock
	connect   func() (*api.Client, func(), error)
}

type remoteCmd func(ctx context.Context, cl *api.Client, args []string, w io.Writer) error

var remoteCmds = map[string]remoteCmd{
	"balance":      cmdBalance,
	"watch":        cmdWatch,
	"add":          cmdAdd,
	"edit":         cmdEdit,
	"rm":           cmdRemove,
	"batch":        cmdBatch,
	"history":      cmdHistory,
	"redemptions":  cmdRedemptions,
	"summary":      cmdSummary,
	"stats":        cmdStats,
	"categories":   cmdCategories,
	"category-add": cmdCategoryAdd,
	"category-rm":  cmdCategoryRemove,
	"options":      cmdOptions,
	"redeem":       cmdRedeem,
	"cancel":       cmdCancel,
	"complete":     cmdComplete,
	"export":       cmdExport,
}

func (e *cliEnv) now() time.Time {
	if e.clk == nil {
		return clock.System{}.Now()
	}
	return e.clk.Now()
}

func (e *cliEnv) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "offline-add":
		return e.offlineAdd(ctx, args)
	case "pending":
		return e.pending(ctx)
	case "sync":
		return e.sync(ctx)
	}
	fn, ok := remoteCmds[cmd]
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownCommand, cmd)
	}
	cl, closeFn, err := e.connect()
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, cl, args, e.out)
}

// ------- parsing -------

// parseTime accepts RFC 3339 timestamps or plain dates (midnight UTC).
func parseTime(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, fmt.Errorf("bad time %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return &t, nil
}

// rangeFlags registers -from/-to and returns a parser for them.
func rangeFlags(fs *flag.FlagSet) func() (model.DateRange, error) {
	from := fs.String("from", "", "start (inclusive), YYYY-MM-DD or RFC 3339")
	to := fs.String("to", "", "end (exclusive), YYYY-MM-DD or RFC 3339")
	return func() (model.DateRange, error) {
		f, err := parseTime(*from)
		if err != nil {
			return model.DateRange{}, err
		}
		t, err := parseTime(*to)
		if err != nil {
			return model.DateRange{}, err
		}
		return model.DateRange{From: f, To: t}, nil
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseTypes(s string) ([]model.EntryType, error) {
	var out []model.EntryType
	for _, p := range splitList(s) {
		t, err := model.ParseEntryType(p)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func parseStatuses(s string) []model.TransactionStatus {
	var out []model.TransactionStatus
	for _, p := range splitList(s) {
		out = append(out, model.TransactionStatus(strings.ToLower(p)))
	}
	return out
}

func parseID(name, s string) (u.UUID, error) {
	if s == "" {
		return u.Nil, fmt.Errorf("need -%s", name)
	}
	id, err := u.FromString(s)
	if err != nil {
		return u.Nil, fmt.Errorf("-%s: %w", name, err)
	}
	return id, nil
}

// entryFlags registers the flags describing a new entry.
func entryFlags(fs *flag.FlagSet) func() (model.NewEntryParams, error) {
	points := fs.Int64("points", 0, "points")
	desc := fs.String("desc", "", "description")
	category := fs.String("category", "general", "category id")
	typ := fs.String("type", string(model.EntryEarned), "earned, bonus or adjusted")
	return func() (model.NewEntryParams, error) {
		t, err := model.ParseEntryType(*typ)
		if err != nil {
			return model.NewEntryParams{}, err
		}
		return model.NewEntryParams{Points: *points, Description: *desc, CategoryID: *category, Type: t}, nil
	}
}

// ------- remote commands -------

func cmdToken(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	key := fs.String("key", os.Getenv("LEDGER_JWT_KEY"), "HS256 signing key")
	user := fs.String("user", "", "user id (uuid, generated when empty)")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return errors.New("need -key")
	}
	id := u.Must(u.NewV4())
	if *user != "" {
		var err error
		if id, err = parseID("user", *user); err != nil {
			return err
		}
	}
	tok, exp, err := mintToken([]byte(*key), id, *ttl, time.Now())
	if err != nil {
		return err
	}
	if err := saveToken(tok, exp); err != nil {
		return err
	}
	fmt.Fprintln(w, id)
	return nil
}

func cmdBalance(ctx context.Context, cl *api.Client, _ []string, w io.Writer) error {
	v, err := cl.GetAvailablePoints(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, v)
	return nil
}

func cmdWatch(ctx context.Context, cl *api.Client, _ []string, w io.Writer) error {
	return cl.WatchTotalPoints(ctx, func(total int64) error {
		fmt.Fprintf(w, "%s %d\n", time.Now().UTC().Format(time.RFC3339), total)
		return nil
	})
}

func cmdAdd(ctx context.Context, cl *api.Client, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	params := entryFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	p, err := params()
	if err != nil {
		return err
	}
	e, err := cl.AddRewardEntry(ctx, p)
	if err != nil {
		return err
	}
	printJSON(w, e)
	return nil
}

func cmdEdit(ctx context.Context, cl *api.Client, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("edit", flag.ContinueOnError)
	id := fs.String("id", "", "entry id (uuid)")
	points := fs.Int64("points", 0, "points")
	desc := fs.String("desc", "", "description")
	category := fs.String("category", "", "category id")
	typ := fs.String("type", "", "entry type")
	if err := fs.Parse(args); err != nil {
		return err
	}
	entryID, err := parseID("id", *id)
	if err != nil {
		return err
	}

	// only flags given on the command line become part of the patch
	var patch model.EntryPatch
	var typeErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "points":
			patch.Points = points
		case "desc":
			patch.Description = desc
		case "category":
			patch.CategoryID = category
		case "type":
			t, err := model.ParseEntryType(*typ)
			typeErr = err
			patch.Type = &t
		}
	})
	if typeErr != nil {
		return typeErr
	}
	e, err := cl.UpdateRewardEntry(ctx, entryID, patch)
	if err != nil {
		return err
	}
	printJSON(w, e)
	return nil
}

func cmdRemove(ctx context.Context, cl *api.Client, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("rm", flag.ContinueOnError)
	id := fs.String("id", "", "entry id (uuid)")
	yes := fs.Bool("yes", false, "confirm the deletion")
	if err := fs.Parse(args); err != nil {
		return err
	}
	entryID, err := parseID("id", *id)
	if err != nil {
		return err
	}
	// the CLI is the confirming caller: nothing is sent without -yes
	if !*yes {
		return errs.Validation(errs.RuleRequest, "yes", errs.CodeRequired, "pass -yes to confirm the deletion")
	}
	res, err := cl.DeleteRewardEntry(ctx, entryID, true)
	if err != nil {
		return err
	}
	printJSON(w, res)
	return nil
}

func cmdBatch(ctx context.Context, cl *api.Client, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	file := fs.String("file", "", "JSON array of operations ('-'=stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("need -file")
	}
	raw, err := readAll(*file)
	if err != nil {
		return err
	}
	var ops []model.BatchOp
	if err := json.Unmarshal(raw, &ops); err != nil {
		return fmt.Errorf("parse operations: %w", err)
	}
	out, err := cl.BatchOperations(ctx, ops)
	if err != nil {
		return err
	}
	printJSON(w, out)
	return nil
}

func cmdHistory(ctx context.Context, cl *api.Client, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	rng := rangeFlags(fs)
	category := fs.String("category", "", "category id")
	types := fs.String("types", "", "comma separated entry types")
	page := fs.Int("page", 0, "page (1-based)")
	limit := fs.Int("limit", 0, "page size")
	if err := fs.Parse(args); err != nil {
		return err
	}
	r, err := rng()
	if err != nil {
		return err
	}
	ts, err := parseTypes(*types)
	if err != nil {
		return err
	}
	res, err := cl.GetRewardHistory(ctx, model.HistoryQuery{DateRange: r, Page: *page, Limit: *limit, CategoryID: *category, Types: ts})
	if err != nil {
		return err
	}
	printJSON(w, res)
	return nil
}

func cmdRedemptions(ctx context.Context, cl *api.Client, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("redemptions", flag.ContinueOnError)
	rng := rangeFlags(fs)
	statuses := fs.String("status", "", "comma separated statuses")
	option := fs.String("option", "", "redemption option id")
	page := fs.Int("page", 0, "page (1-based)")
	limit := fs.Int("limit", 0, "page size")
	if err := fs.Parse(args); err != nil {
		return err
	}
	r, err := rng()
	if err != nil {
		return err
	}
	res, err := cl.GetRedemptionHistory(ctx, model.RedemptionQuery{
		DateRange: r, Page: *page, Limit: *limit, Statuses: parseStatuses(*statuses), OptionID: *option,
	})
	if err != nil {
		return err
	}
	printJSON(w, res)
	return nil
}

func cmdSummary(ctx context.Context, cl *api.Client, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("summary", flag.ContinueOnError)
	rng := rangeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	r, err := rng()
	if err != nil {
		return err
	}
	res, err := cl.GetRewardSummary(ctx, r)
	if err != nil {
		return err
	}
	printJSON(w, res)
	return nil
}

func cmdStats(ctx context.Context, cl *api.Client, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	rng := rangeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	r, err := rng()
	if err != nil {
		return err
	}
	res, err := cl.GetRedemptionStats(ctx, r)
	if err != nil {
		return err
	}
	printJSON(w, res)
	return nil
}

func cmdCategories(ctx context.Context, cl *api.Client, _ []string, w io.Writer) error {
	cs, err := cl.ListCategories(ctx)
	if err != nil {
		return err
	}
	printJSON(w, cs)
	return nil
}

func cmdCategoryAdd(ctx context.Context, cl *api.Client, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("category-add", flag.ContinueOnError)
	name := fs.String("name", "", "name")
	desc := fs.String("desc", "", "description")
	color := fs.String("color", "#607D8B", "hex color")
	icon := fs.String("icon", "star", "icon name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	p := model.NewCategoryParams{Name: *name, Color: *color, Icon: *icon}
	if *desc != "" {
		p.Description = desc
	}
	c, err := cl.CreateCategory(ctx, p)
	if err != nil {
		return err
	}
	printJSON(w, c)
	return nil
}

func cmdCategoryRemove(ctx context.Context, cl *api.Client, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("category-rm", flag.ContinueOnError)
	id := fs.String("id", "", "category id")
	reassign := fs.String("reassign", "", "category receiving the entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cl.DeleteCategory(ctx, *id, *reassign); err != nil {
		return err
	}
	fmt.Fprintln(w, "ok")
	return nil
}

func cmdOptions(ctx context.Context, cl *api.Client, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("options", flag.ContinueOnError)
	available := fs.Bool("available", false, "only options that can be redeemed now")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts, err := cl.ListRedemptionOptions(ctx, *available)
	if err != nil {
		return err
	}
	printJSON(w, opts)
	return nil
}

func cmdRedeem(ctx context.Context, cl *api.Client, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("redeem", flag.ContinueOnError)
	option := fs.String("option", "", "redemption option id")
	points := fs.Int64("points", 0, "points to redeem")
	notes := fs.String("notes", "", "notes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var n *string
	if *notes != "" {
		n = notes
	}
	res, err := cl.RedeemPoints(ctx, *option, *points, n)
	if err != nil {
		return err
	}
	printJSON(w, res)
	return nil
}

func cmdCancel(ctx context.Context, cl *api.Client, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	id := fs.String("id", "", "transaction id (uuid)")
	reason := fs.String("reason", "", "reason")
	if err := fs.Parse(args); err != nil {
		return err
	}
	txID, err := parseID("id", *id)
	if err != nil {
		return err
	}
	tx, err := cl.CancelRedemption(ctx, txID, *reason)
	if err != nil {
		return err
	}
	printJSON(w, tx)
	return nil
}

func cmdComplete(ctx context.Context, cl *api.Client, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("complete", flag.ContinueOnError)
	id := fs.String("id", "", "transaction id (uuid)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	txID, err := parseID("id", *id)
	if err != nil {
		return err
	}
	tx, err := cl.CompleteRedemption(ctx, txID)
	if err != nil {
		return err
	}
	printJSON(w, tx)
	return nil
}

func cmdExport(ctx context.Context, cl *api.Client, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	format := fs.String("format", "json", "json or csv")
	outPath := fs.String("o", "", "output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *format != "json" && *format != "csv" {
		return fmt.Errorf("unknown format %q", *format)
	}
	x, err := cl.ExportUserData(ctx)
	if err != nil {
		return err
	}
	if *outPath != "" {
		f, err := os.OpenFile(*outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if *format == "csv" {
		return service.WriteCSV(w, x)
	}
	return service.WriteJSON(w, x)
}

// ------- offline store -------

func (e *cliEnv) openLocal(ctx context.Context) (*sqlite.Store, error) {
	clk := e.clk
	if clk == nil {
		clk = clock.System{}
	}
	if err := os.MkdirAll(filepath.Dir(e.localPath), 0o700); err != nil {
		return nil, err
	}
	return sqlite.Open(ctx, e.localPath, clk)
}

func (e *cliEnv) offlineAdd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("offline-add", flag.ContinueOnError)
	params := entryFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	p, err := params()
	if err != nil {
		return err
	}
	id, err := u.NewV4()
	if err != nil {
		return err
	}
	entry, err := model.NewRewardEntry(id, e.user, p, e.now())
	if err != nil {
		return err
	}
	st, err := e.openLocal(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.RecordChange(ctx, model.EntryChange{Entry: entry}); err != nil {
		return err
	}
	printJSON(e.out, entry)
	return nil
}

func (e *cliEnv) pending(ctx context.Context) error {
	st, err := e.openLocal(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	p, err := st.PendingChanges(ctx, e.user)
	if err != nil {
		return err
	}
	if p == nil {
		p = []model.EntryChange{}
	}
	printJSON(e.out, p)
	return nil
}

func (e *cliEnv) sync(ctx context.Context) error {
	st, err := e.openLocal(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	cl, closeFn, err := e.connect()
	if err != nil {
		return err
	}
	defer closeFn()

	opts := []syncer.Option{}
	if e.clk != nil {
		opts = append(opts, syncer.WithClock(e.clk))
	}
	res, err := syncer.New(st, cl, opts...).Sync(ctx, e.user)
	if err != nil {
		return err
	}
	printJSON(e.out, res)
	return nil
}
