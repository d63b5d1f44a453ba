package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/crypto/bcrypt"

	"github.com/alanyoungcy/campusclash/internal/domain"
	"github.com/alanyoungcy/campusclash/internal/service"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func cmdPools(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("pools")
	status := fs.String("status", "", "filter by status (open, closed, resolved)")
	limit := fs.Int("limit", 50, "maximum markets to list")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("pools: %w", err)
	}
	st, err := domain.ParseMarketStatus(*status)
	if err != nil {
		return err
	}

	markets, err := e.svcs.Ledger.ListMarkets(ctx, st, domain.ListOpts{Limit: *limit})
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(e.out)
	table.Header("Market", "Title", "Status", "Stake", "Pool A", "Pool B", "% A", "% B", "Deadline")
	for _, m := range markets {
		ps := domain.NewPoolState(m)
		table.Append(
			m.ID,
			m.Title,
			string(m.Status),
			strconv.FormatInt(m.StakeUnit, 10),
			strconv.FormatInt(ps.PoolA, 10),
			strconv.FormatInt(ps.PoolB, 10),
			strconv.Itoa(ps.PercentA),
			strconv.Itoa(ps.PercentB),
			formatTime(m.Deadline),
		)
	}
	table.Render()
	return nil
}

func cmdPositions(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("positions")
	marketID := fs.String("market", "", "market id")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("positions: %w", err)
	}
	if *marketID == "" {
		return errors.New("positions: -market is required")
	}

	positions, err := e.svcs.Ledger.ListMarketPositions(ctx, *marketID, domain.ListOpts{})
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(e.out)
	table.Header("Position", "User", "Side", "Amount", "Placed", "Status", "Payout")
	for _, p := range positions {
		table.Append(
			p.ID,
			p.UserID,
			string(p.Side),
			strconv.FormatInt(p.Amount, 10),
			p.PlacedAt.Format(time.RFC3339),
			string(p.Status),
			strconv.FormatInt(p.Payout, 10),
		)
	}
	table.Render()
	return nil
}

func cmdMarket(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("market")
	actor := fs.String("actor", "", "id of the creating user")
	title := fs.String("title", "", "market question")
	description := fs.String("description", "", "longer description")
	optionA := fs.String("a", "", "label of option A")
	optionB := fs.String("b", "", "label of option B")
	stake := fs.Int64("stake", 0, "credits per stake unit")
	deadline := fs.String("deadline", "", "RFC3339 wagering deadline (optional)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("market: %w", err)
	}

	in := service.NewMarket{
		Title:       *title,
		Description: *description,
		OptionA:     *optionA,
		OptionB:     *optionB,
		StakeUnit:   *stake,
	}
	if *deadline != "" {
		t, err := time.Parse(time.RFC3339, *deadline)
		if err != nil {
			return fmt.Errorf("market: -deadline: %w", err)
		}
		in.Deadline = &t
	}

	m, err := e.svcs.Ledger.CreateMarket(ctx, *actor, in)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.out, m.ID)
	return nil
}

func cmdSettle(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("settle")
	marketID := fs.String("market", "", "market id")
	winner := fs.String("winner", "", "winning side (A or B)")
	at := fs.String("at", "", "RFC3339 instant the result became known")
	actor := fs.String("actor", "", "id of the settling administrator")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	if *marketID == "" || *winner == "" || *at == "" || *actor == "" {
		return errors.New("settle: -market, -winner, -at and -actor are required")
	}

	side, err := domain.ParseSide(*winner)
	if err != nil {
		return err
	}
	resultInstant, err := time.Parse(time.RFC3339Nano, *at)
	if err != nil {
		return fmt.Errorf("settle: -at: %w", err)
	}

	report, err := e.svcs.Settler.Settle(ctx, *actor, *marketID, side, resultInstant)
	if err != nil {
		return err
	}
	writeReport(e.out, report)
	return nil
}

func writeReport(w io.Writer, r service.SettlementReport) {
	fmt.Fprintf(w, "market %s settled for %s (late refunds: %d)\n", r.MarketID, r.WinningSide, r.LateRefundCount)
	if r.Voided {
		fmt.Fprintln(w, "no on-time winners; market voided")
	}

	table := tablewriter.NewWriter(w)
	table.Header("Position", "User", "Side", "Amount", "Status", "Payout", "Late")
	for _, l := range r.Positions {
		table.Append(
			l.PositionID,
			l.UserID,
			string(l.Side),
			strconv.FormatInt(l.Amount, 10),
			string(l.Status),
			strconv.FormatInt(l.Payout, 10),
			strconv.FormatBool(l.Late),
		)
	}
	table.Render()
	fmt.Fprintf(w, "paid out %d, late refunded %d, residual %d\n", r.PaidOut, r.LateRefunded, r.Residual)
}

func cmdSweep(ctx context.Context, e *env, _ []string) error {
	closed, err := e.svcs.Ledger.SweepDeadlines(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "closed %d market(s)\n", len(closed))
	for _, id := range closed {
		fmt.Fprintln(e.out, id)
	}
	return nil
}

func cmdAdmin(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("admin")
	name := fs.String("name", "", "display name")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	u, err := e.svcs.Ledger.RegisterUser(ctx, *name, true)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.out, u.ID)
	return nil
}

func cmdHashKey(w io.Writer, args []string) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("hash-key: expected exactly one key argument")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash-key: %w", err)
	}
	fmt.Fprintln(w, string(hash))
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
