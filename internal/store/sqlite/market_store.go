package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

// MarketStore implements domain.MarketStore.
type MarketStore struct {
	q querier
}

const marketSelectCols = `id, title, description, option_a, option_b, stake_unit,
	pool_a, pool_b, status, deadline, created_by,
	winning_side, result_instant, resolved_at, resolved_by,
	winning_pool, losing_pool, late_refunds, residual, voided,
	created_at, updated_at`

func scanMarket(row interface{ Scan(...any) error }) (domain.Market, error) {
	var (
		m                                    domain.Market
		status                               string
		deadline, resultInstant, resolvedAt  sql.NullInt64
		winningSide, resolvedBy              sql.NullString
		winningPool, losingPool, lateRefunds sql.NullInt64
		residual                             sql.NullInt64
		voided                               sql.NullBool
		created, updated                     int64
	)
	err := row.Scan(
		&m.ID, &m.Title, &m.Description, &m.OptionA, &m.OptionB, &m.StakeUnit,
		&m.PoolA, &m.PoolB, &status, &deadline, &m.CreatedBy,
		&winningSide, &resultInstant, &resolvedAt, &resolvedBy,
		&winningPool, &losingPool, &lateRefunds, &residual, &voided,
		&created, &updated,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	m.Deadline = timePtr(deadline)
	m.CreatedAt = fromMicros(created)
	m.UpdatedAt = fromMicros(updated)

	if winningSide.Valid {
		m.Resolution = &domain.Resolution{
			WinningSide:   domain.Side(winningSide.String),
			ResultInstant: fromMicros(resultInstant.Int64),
			ResolvedAt:    fromMicros(resolvedAt.Int64),
			ResolvedBy:    resolvedBy.String,
			WinningPool:   winningPool.Int64,
			LosingPool:    losingPool.Int64,
			LateRefunds:   int(lateRefunds.Int64),
			Residual:      residual.Int64,
			Voided:        voided.Bool,
		}
	}
	return m, nil
}

// Create inserts a new market.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `INSERT INTO markets (
			id, title, description, option_a, option_b, stake_unit,
			pool_a, pool_b, status, deadline, created_by, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.q.ExecContext(ctx, query,
		m.ID, m.Title, m.Description, m.OptionA, m.OptionB, m.StakeUnit,
		m.PoolA, m.PoolB, string(m.Status), nullMicros(m.Deadline), m.CreatedBy,
		toMicros(m.CreatedAt), toMicros(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create market %s: %w", m.ID, err)
	}
	return nil
}

// GetByID returns a market or domain.ErrNotFound.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets WHERE id = ?`
	m, err := scanMarket(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return domain.Market{}, fmt.Errorf("sqlite: get market %s: %w", id, mapNoRows(err))
	}
	return m, nil
}

// GetForUpdate is GetByID; see UserStore.GetForUpdate.
func (s *MarketStore) GetForUpdate(ctx context.Context, id string) (domain.Market, error) {
	return s.GetByID(ctx, id)
}

// List returns markets newest first, optionally filtered by status.
func (s *MarketStore) List(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets WHERE 1=1`
	var args []any
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	if opts.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, toMicros(*opts.Since))
	}
	if opts.Until != nil {
		query += " AND created_at <= ?"
		args = append(args, toMicros(*opts.Until))
	}
	query += " ORDER BY created_at DESC, id"
	query, args = appendPaging(query, args, opts)

	return s.queryMarkets(ctx, query, args...)
}

func (s *MarketStore) queryMarkets(ctx context.Context, query string, args ...any) ([]domain.Market, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list markets rows: %w", err)
	}
	return markets, nil
}

// AddToPool increments the pool of the given side.
func (s *MarketStore) AddToPool(ctx context.Context, id string, side domain.Side, amount int64) error {
	var query string
	switch side {
	case domain.SideA:
		query = `UPDATE markets SET pool_a = pool_a + ?, updated_at = ? WHERE id = ?`
	case domain.SideB:
		query = `UPDATE markets SET pool_b = pool_b + ?, updated_at = ? WHERE id = ?`
	default:
		return fmt.Errorf("sqlite: add to pool: %w: side %q", domain.ErrInvalidInput, side)
	}
	res, err := s.q.ExecContext(ctx, query, amount, toMicros(time.Now()), id)
	if err != nil {
		return fmt.Errorf("sqlite: add to pool %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: add to pool %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Resolve marks the market RESOLVED. Resolving twice yields
// domain.ErrAlreadySettled.
func (s *MarketStore) Resolve(ctx context.Context, id string, r domain.Resolution) error {
	const query = `UPDATE markets SET
			status = 'RESOLVED', winning_side = ?, result_instant = ?, resolved_at = ?,
			resolved_by = ?, winning_pool = ?, losing_pool = ?, late_refunds = ?,
			residual = ?, voided = ?, updated_at = ?
		WHERE id = ? AND status <> 'RESOLVED'`
	res, err := s.q.ExecContext(ctx, query,
		string(r.WinningSide), toMicros(r.ResultInstant), toMicros(r.ResolvedAt),
		r.ResolvedBy, r.WinningPool, r.LosingPool, r.LateRefunds,
		r.Residual, r.Voided, toMicros(r.ResolvedAt), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: resolve market %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("sqlite: resolve market %s: %w", id, domain.ErrAlreadySettled)
	}
	return nil
}

// CloseExpired flips OPEN markets with a passed deadline to CLOSED.
func (s *MarketStore) CloseExpired(ctx context.Context, now time.Time, ids ...string) ([]string, error) {
	query := `UPDATE markets SET status = 'CLOSED', updated_at = ?
		WHERE status = 'OPEN' AND deadline IS NOT NULL AND deadline < ?`
	args := []any{toMicros(now), toMicros(now)}
	if len(ids) > 0 {
		query += " AND id IN (?" + strings.Repeat(", ?", len(ids)-1) + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}
	query += " RETURNING id"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: close expired markets: %w", err)
	}
	defer rows.Close()

	var closed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan closed market id: %w", err)
		}
		closed = append(closed, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: close expired markets rows: %w", err)
	}
	return closed, nil
}

// ListResolvedBetween returns markets resolved in [from, to).
func (s *MarketStore) ListResolvedBetween(ctx context.Context, from, to time.Time) ([]domain.Market, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets
		WHERE status = 'RESOLVED' AND resolved_at >= ? AND resolved_at < ?
		ORDER BY resolved_at, id`
	return s.queryMarkets(ctx, query, toMicros(from), toMicros(to))
}

// OldestResolvedAt returns the earliest resolved_at of any market.
func (s *MarketStore) OldestResolvedAt(ctx context.Context) (time.Time, error) {
	var oldest sql.NullInt64
	err := s.q.QueryRowContext(ctx,
		`SELECT MIN(resolved_at) FROM markets WHERE status = 'RESOLVED'`,
	).Scan(&oldest)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: oldest resolution: %w", err)
	}
	if !oldest.Valid {
		return time.Time{}, fmt.Errorf("sqlite: oldest resolution: %w", domain.ErrNotFound)
	}
	return fromMicros(oldest.Int64), nil
}
