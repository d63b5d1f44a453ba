package sqlite

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

// UserStore implements domain.UserStore.
type UserStore struct {
	q querier
}

const userSelectCols = `id, name, balance, wins, losses, is_admin, created_at`

func scanUser(row interface{ Scan(...any) error }) (domain.User, error) {
	var u domain.User
	var created int64
	if err := row.Scan(&u.ID, &u.Name, &u.Balance, &u.Wins, &u.Losses, &u.IsAdmin, &created); err != nil {
		return domain.User{}, err
	}
	u.CreatedAt = fromMicros(created)
	return u, nil
}

// Create inserts a new user.
func (s *UserStore) Create(ctx context.Context, u domain.User) error {
	const query = `INSERT INTO users (id, name, balance, wins, losses, is_admin, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.q.ExecContext(ctx, query,
		u.ID, u.Name, u.Balance, u.Wins, u.Losses, u.IsAdmin, toMicros(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create user %s: %w", u.ID, err)
	}
	return nil
}

// GetByID returns a user or domain.ErrNotFound.
func (s *UserStore) GetByID(ctx context.Context, id string) (domain.User, error) {
	query := `SELECT ` + userSelectCols + ` FROM users WHERE id = ?`
	u, err := scanUser(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return domain.User{}, fmt.Errorf("sqlite: get user %s: %w", id, mapNoRows(err))
	}
	return u, nil
}

// GetForUpdate is GetByID; the immediate transaction already holds the
// database write lock.
func (s *UserStore) GetForUpdate(ctx context.Context, id string) (domain.User, error) {
	return s.GetByID(ctx, id)
}

// AdjustBalance adds delta to the user's balance, refusing to go negative.
func (s *UserStore) AdjustBalance(ctx context.Context, id string, delta int64) error {
	const query = `UPDATE users SET balance = balance + ? WHERE id = ? AND balance + ? >= 0`
	res, err := s.q.ExecContext(ctx, query, delta, id, delta)
	if err != nil {
		return fmt.Errorf("sqlite: adjust balance %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: adjust balance %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	u, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return &domain.InsufficientFundsError{Need: -delta, Have: u.Balance}
}

// ApplySettlement credits a settlement result to the user.
func (s *UserStore) ApplySettlement(ctx context.Context, id string, credit int64, wins, losses int) error {
	const query = `UPDATE users SET balance = balance + ?, wins = wins + ?, losses = losses + ? WHERE id = ?`
	res, err := s.q.ExecContext(ctx, query, credit, wins, losses, id)
	if err != nil {
		return fmt.Errorf("sqlite: apply settlement to %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: apply settlement to %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
