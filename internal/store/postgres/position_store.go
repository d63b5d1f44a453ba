package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	db dbtx
}

const positionSelectCols = `id, user_id, market_id, side, amount, placed_at, status, payout, settled_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status string

	err := row.Scan(
		&p.ID, &p.UserID, &p.MarketID, &side, &p.Amount,
		&p.PlacedAt, &status, &p.Payout, &p.SettledAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (id, user_id, market_id, side, amount, placed_at, status, payout)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.Exec(ctx, query,
		p.ID, p.UserID, p.MarketID, string(p.Side), p.Amount,
		p.PlacedAt, string(p.Status), p.Payout,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID returns a position or domain.ErrNotFound.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1`
	p, err := scanPositionRow(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, mapNoRows(err))
	}
	return p, nil
}

// ListByMarket returns a market's positions in placement order.
func (s *PositionStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE market_id = $1 ORDER BY placed_at, id`
	args := []any{marketID}
	if opts.Limit > 0 {
		query += " LIMIT $2 OFFSET $3"
		args = append(args, opts.Limit, opts.Offset)
	}
	return s.query(ctx, "list positions by market", query, args...)
}

// ListByUser returns a user's positions, newest first.
func (s *PositionStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND placed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND placed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY placed_at DESC, id"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
		args = append(args, opts.Limit, opts.Offset)
	}
	return s.query(ctx, "list positions by user", query, args...)
}

// ListValidByMarket returns the market's unsettled positions.
func (s *PositionStore) ListValidByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE market_id = $1 AND status = 'VALID' ORDER BY placed_at, id`
	return s.query(ctx, "list valid positions", query, marketID)
}

func (s *PositionStore) query(ctx context.Context, op, query string, args ...any) ([]domain.Position, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	return positions, nil
}

// SidesHeld returns the distinct sides the user holds in the market.
func (s *PositionStore) SidesHeld(ctx context.Context, userID, marketID string) ([]domain.Side, error) {
	const query = `SELECT DISTINCT side FROM positions WHERE user_id = $1 AND market_id = $2 ORDER BY side`
	rows, err := s.db.Query(ctx, query, userID, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: sides held: %w", err)
	}
	sides, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Side, error) {
		var side string
		err := row.Scan(&side)
		return domain.Side(side), err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: sides held: %w", err)
	}
	return sides, nil
}

// SetOutcome moves a VALID position to its terminal status.
func (s *PositionStore) SetOutcome(ctx context.Context, id string, status domain.PositionStatus, payout int64, settledAt time.Time) error {
	const query = `
		UPDATE positions SET status = $1, payout = $2, settled_at = $3
		WHERE id = $4 AND status = 'VALID'`
	tag, err := s.db.Exec(ctx, query, string(status), payout, settledAt, id)
	if err != nil {
		return fmt.Errorf("postgres: set outcome %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("postgres: set outcome %s: %w", id, domain.ErrAlreadySettled)
	}
	return nil
}
