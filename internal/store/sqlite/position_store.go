package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	q querier
}

const positionSelectCols = `id, user_id, market_id, side, amount, placed_at, status, payout, settled_at`

func scanPosition(row interface{ Scan(...any) error }) (domain.Position, error) {
	var (
		p            domain.Position
		side, status string
		placed       int64
		settled      sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.MarketID, &side, &p.Amount, &placed, &status, &p.Payout, &settled); err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	p.PlacedAt = fromMicros(placed)
	p.SettledAt = timePtr(settled)
	return p, nil
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `INSERT INTO positions (id, user_id, market_id, side, amount, placed_at, status, payout)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.q.ExecContext(ctx, query,
		p.ID, p.UserID, p.MarketID, string(p.Side), p.Amount, toMicros(p.PlacedAt), string(p.Status), p.Payout)
	if err != nil {
		return fmt.Errorf("sqlite: create position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID returns a position or domain.ErrNotFound.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = ?`
	p, err := scanPosition(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return domain.Position{}, fmt.Errorf("sqlite: get position %s: %w", id, mapNoRows(err))
	}
	return p, nil
}

// ListByMarket returns a market's positions in placement order.
func (s *PositionStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE market_id = ? ORDER BY placed_at, id`
	query, args := appendPaging(query, []any{marketID}, opts)
	return s.queryPositions(ctx, query, args...)
}

// ListByUser returns a user's positions, newest first.
func (s *PositionStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE user_id = ?`
	args := []any{userID}
	if opts.Since != nil {
		query += " AND placed_at >= ?"
		args = append(args, toMicros(*opts.Since))
	}
	if opts.Until != nil {
		query += " AND placed_at <= ?"
		args = append(args, toMicros(*opts.Until))
	}
	query += " ORDER BY placed_at DESC, id"
	query, args = appendPaging(query, args, opts)
	return s.queryPositions(ctx, query, args...)
}

// ListValidByMarket returns the market's unsettled positions.
func (s *PositionStore) ListValidByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE market_id = ? AND status = 'VALID' ORDER BY placed_at, id`
	return s.queryPositions(ctx, query, marketID)
}

func (s *PositionStore) queryPositions(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list positions rows: %w", err)
	}
	return positions, nil
}

// SidesHeld returns the distinct sides the user holds in the market.
func (s *PositionStore) SidesHeld(ctx context.Context, userID, marketID string) ([]domain.Side, error) {
	const query = `SELECT DISTINCT side FROM positions WHERE user_id = ? AND market_id = ? ORDER BY side`
	rows, err := s.q.QueryContext(ctx, query, userID, marketID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: sides held: %w", err)
	}
	defer rows.Close()

	var sides []domain.Side
	for rows.Next() {
		var side string
		if err := rows.Scan(&side); err != nil {
			return nil, fmt.Errorf("sqlite: scan side: %w", err)
		}
		sides = append(sides, domain.Side(side))
	}
	return sides, rows.Err()
}

// SetOutcome moves a VALID position to its terminal status.
func (s *PositionStore) SetOutcome(ctx context.Context, id string, status domain.PositionStatus, payout int64, settledAt time.Time) error {
	const query = `UPDATE positions SET status = ?, payout = ?, settled_at = ?
		WHERE id = ? AND status = 'VALID'`
	res, err := s.q.ExecContext(ctx, query, string(status), payout, toMicros(settledAt), id)
	if err != nil {
		return fmt.Errorf("sqlite: set outcome %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("sqlite: set outcome %s: %w", id, domain.ErrAlreadySettled)
	}
	return nil
}
