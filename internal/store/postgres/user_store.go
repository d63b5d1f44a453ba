package postgres

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

// UserStore implements domain.UserStore using PostgreSQL.
type UserStore struct {
	db   dbtx
	inTx bool
}

const userSelectCols = `id, name, balance, wins, losses, is_admin, created_at`

// Create inserts a new user.
func (s *UserStore) Create(ctx context.Context, u domain.User) error {
	const query = `
		INSERT INTO users (id, name, balance, wins, losses, is_admin, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.Exec(ctx, query, u.ID, u.Name, u.Balance, u.Wins, u.Losses, u.IsAdmin, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create user %s: %w", u.ID, err)
	}
	return nil
}

// GetByID returns a user or domain.ErrNotFound.
func (s *UserStore) GetByID(ctx context.Context, id string) (domain.User, error) {
	return s.get(ctx, id, "")
}

// GetForUpdate reads the user and locks the row when inside a transaction.
func (s *UserStore) GetForUpdate(ctx context.Context, id string) (domain.User, error) {
	return s.get(ctx, id, forUpdate(s.inTx))
}

func (s *UserStore) get(ctx context.Context, id, suffix string) (domain.User, error) {
	query := `SELECT ` + userSelectCols + ` FROM users WHERE id = $1` + suffix
	var u domain.User
	err := s.db.QueryRow(ctx, query, id).Scan(
		&u.ID, &u.Name, &u.Balance, &u.Wins, &u.Losses, &u.IsAdmin, &u.CreatedAt,
	)
	if err != nil {
		return domain.User{}, fmt.Errorf("postgres: get user %s: %w", id, mapNoRows(err))
	}
	return u, nil
}

// AdjustBalance adds delta to the balance, refusing to go negative.
func (s *UserStore) AdjustBalance(ctx context.Context, id string, delta int64) error {
	const query = `UPDATE users SET balance = balance + $1 WHERE id = $2 AND balance + $1 >= 0`
	tag, err := s.db.Exec(ctx, query, delta, id)
	if err != nil {
		return fmt.Errorf("postgres: adjust balance %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
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
	const query = `
		UPDATE users SET balance = balance + $1, wins = wins + $2, losses = losses + $3
		WHERE id = $4`
	tag, err := s.db.Exec(ctx, query, credit, wins, losses, id)
	if err != nil {
		return fmt.Errorf("postgres: apply settlement to %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: apply settlement to %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
