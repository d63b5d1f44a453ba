package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	db   dbtx
	inTx bool
}

const marketSelectCols = `id, title, description, option_a, option_b, stake_unit,
	pool_a, pool_b, status, deadline, created_by,
	winning_side, result_instant, resolved_at, resolved_by,
	winning_pool, losing_pool, late_refunds, residual, voided,
	created_at, updated_at`

func scanMarketRow(row pgx.Row) (domain.Market, error) {
	var (
		m                                 domain.Market
		status                            string
		winningSide, resolvedBy           *string
		resultInstant, resolvedAt         *time.Time
		winningPool, losingPool, residual *int64
		lateRefunds                       *int32
		voided                            *bool
	)
	err := row.Scan(
		&m.ID, &m.Title, &m.Description, &m.OptionA, &m.OptionB, &m.StakeUnit,
		&m.PoolA, &m.PoolB, &status, &m.Deadline, &m.CreatedBy,
		&winningSide, &resultInstant, &resolvedAt, &resolvedBy,
		&winningPool, &losingPool, &lateRefunds, &residual, &voided,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)

	if winningSide != nil {
		r := &domain.Resolution{WinningSide: domain.Side(*winningSide)}
		if resultInstant != nil {
			r.ResultInstant = *resultInstant
		}
		if resolvedAt != nil {
			r.ResolvedAt = *resolvedAt
		}
		if resolvedBy != nil {
			r.ResolvedBy = *resolvedBy
		}
		if winningPool != nil {
			r.WinningPool = *winningPool
		}
		if losingPool != nil {
			r.LosingPool = *losingPool
		}
		if lateRefunds != nil {
			r.LateRefunds = int(*lateRefunds)
		}
		if residual != nil {
			r.Residual = *residual
		}
		if voided != nil {
			r.Voided = *voided
		}
		m.Resolution = r
	}
	return m, nil
}

func scanMarketRows(rows pgx.Rows) ([]domain.Market, error) {
	defer rows.Close()
	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarketRow(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// Create inserts a new market.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, title, description, option_a, option_b, stake_unit,
			pool_a, pool_b, status, deadline, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := s.db.Exec(ctx, query,
		m.ID, m.Title, m.Description, m.OptionA, m.OptionB, m.StakeUnit,
		m.PoolA, m.PoolB, string(m.Status), m.Deadline, m.CreatedBy,
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

// GetByID returns a market or domain.ErrNotFound.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	return s.get(ctx, id, "")
}

// GetForUpdate reads the market and locks its row when inside a transaction.
func (s *MarketStore) GetForUpdate(ctx context.Context, id string) (domain.Market, error) {
	return s.get(ctx, id, forUpdate(s.inTx))
}

func (s *MarketStore) get(ctx context.Context, id, suffix string) (domain.Market, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets WHERE id = $1` + suffix
	m, err := scanMarketRow(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, mapNoRows(err))
	}
	return m, nil
}

// List returns markets newest first, optionally filtered by status.
func (s *MarketStore) List(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets WHERE 1=1`
	args := []any{}
	argIdx := 1

	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(status))
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	markets, err := scanMarketRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan markets: %w", err)
	}
	return markets, nil
}

// AddToPool increments the pool of the given side.
func (s *MarketStore) AddToPool(ctx context.Context, id string, side domain.Side, amount int64) error {
	var query string
	switch side {
	case domain.SideA:
		query = `UPDATE markets SET pool_a = pool_a + $1, updated_at = NOW() WHERE id = $2`
	case domain.SideB:
		query = `UPDATE markets SET pool_b = pool_b + $1, updated_at = NOW() WHERE id = $2`
	default:
		return fmt.Errorf("postgres: add to pool: %w: side %q", domain.ErrInvalidInput, side)
	}
	tag, err := s.db.Exec(ctx, query, amount, id)
	if err != nil {
		return fmt.Errorf("postgres: add to pool %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: add to pool %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Resolve marks the market RESOLVED. Resolving twice yields
// domain.ErrAlreadySettled.
func (s *MarketStore) Resolve(ctx context.Context, id string, r domain.Resolution) error {
	const query = `
		UPDATE markets SET
			status = 'RESOLVED', winning_side = $1, result_instant = $2, resolved_at = $3,
			resolved_by = $4, winning_pool = $5, losing_pool = $6, late_refunds = $7,
			residual = $8, voided = $9, updated_at = $3
		WHERE id = $10 AND status <> 'RESOLVED'`
	tag, err := s.db.Exec(ctx, query,
		string(r.WinningSide), r.ResultInstant, r.ResolvedAt,
		r.ResolvedBy, r.WinningPool, r.LosingPool, r.LateRefunds,
		r.Residual, r.Voided, id,
	)
	if err != nil {
		return fmt.Errorf("postgres: resolve market %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("postgres: resolve market %s: %w", id, domain.ErrAlreadySettled)
	}
	return nil
}

// CloseExpired flips OPEN markets with a passed deadline to CLOSED.
func (s *MarketStore) CloseExpired(ctx context.Context, now time.Time, ids ...string) ([]string, error) {
	query := `
		UPDATE markets SET status = 'CLOSED', updated_at = $1
		WHERE status = 'OPEN' AND deadline IS NOT NULL AND deadline < $1`
	args := []any{now}
	if len(ids) > 0 {
		query += ` AND id = ANY($2)`
		args = append(args, ids)
	}
	query += ` RETURNING id`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: close expired markets: %w", err)
	}
	closed, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: close expired markets: %w", err)
	}
	return closed, nil
}

// ListResolvedBetween returns markets resolved in [from, to).
func (s *MarketStore) ListResolvedBetween(ctx context.Context, from, to time.Time) ([]domain.Market, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets
		WHERE status = 'RESOLVED' AND resolved_at >= $1 AND resolved_at < $2
		ORDER BY resolved_at, id`
	rows, err := s.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolved markets: %w", err)
	}
	markets, err := scanMarketRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan resolved markets: %w", err)
	}
	return markets, nil
}

// OldestResolvedAt returns the earliest resolved_at of any market.
func (s *MarketStore) OldestResolvedAt(ctx context.Context) (time.Time, error) {
	var oldest *time.Time
	err := s.db.QueryRow(ctx,
		`SELECT MIN(resolved_at) FROM markets WHERE status = 'RESOLVED'`,
	).Scan(&oldest)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: oldest resolution: %w", err)
	}
	if oldest == nil {
		return time.Time{}, fmt.Errorf("postgres: oldest resolution: %w", domain.ErrNotFound)
	}
	return oldest.UTC(), nil
}
