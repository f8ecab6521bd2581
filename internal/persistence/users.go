package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/aristath/dreammaker/internal/quota"
)

const userColumns = `id, username, email, plan, token_balance, remaining_images,
	last_reset_date, last_generation_at, created_at`

// User is an account with its quota state.
type User struct {
	ID               int64     `json:"id"`
	Username         string    `json:"username"`
	Email            string    `json:"email"`
	Plan             string    `json:"plan"`
	TokenBalance     float64   `json:"token_balance"`
	RemainingImages  int       `json:"remaining_images"`
	LastResetDate    string    `json:"last_reset_date"`
	LastGenerationAt time.Time `json:"last_generation_at"`
	CreatedAt        time.Time `json:"created_at"`
}

type userRow struct {
	ID               int64         `db:"id"`
	Username         string        `db:"username"`
	Email            string        `db:"email"`
	Plan             string        `db:"plan"`
	TokenBalance     float64       `db:"token_balance"`
	RemainingImages  int           `db:"remaining_images"`
	LastResetDate    string        `db:"last_reset_date"`
	LastGenerationAt sql.NullInt64 `db:"last_generation_at"`
	CreatedAt        int64         `db:"created_at"`
}

func (r userRow) toUser() *User {
	return &User{
		ID:               r.ID,
		Username:         r.Username,
		Email:            r.Email,
		Plan:             r.Plan,
		TokenBalance:     r.TokenBalance,
		RemainingImages:  r.RemainingImages,
		LastResetDate:    r.LastResetDate,
		LastGenerationAt: fromNanos(r.LastGenerationAt),
		CreatedAt:        time.Unix(0, r.CreatedAt),
	}
}

func (r userRow) toState() quota.State {
	return quota.State{
		UserID:           r.ID,
		Plan:             r.Plan,
		TokenBalance:     r.TokenBalance,
		RemainingImages:  r.RemainingImages,
		LastResetDate:    r.LastResetDate,
		LastGenerationAt: fromNanos(r.LastGenerationAt),
	}
}

// CreateUser inserts a new account with its initial grants.
func (s *SQLiteStore) CreateUser(ctx context.Context, u quota.NewUser) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var exists int
		err := tx.GetContext(ctx, &exists, `SELECT 1 FROM users WHERE username = ?`, u.Username)
		if err == nil {
			return fmt.Errorf("username %q: %w", u.Username, ErrUserExists)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check username: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO users (username, email, plan, token_balance, remaining_images, last_reset_date, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, u.Username, u.Email, u.Plan, u.Tokens, u.RemainingImages, u.ResetDate, time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("failed to insert user: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read user id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetUser retrieves a user by id.
func (s *SQLiteStore) GetUser(ctx context.Context, userID int64) (*User, error) {
	row, err := getUserRow(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	return row.toUser(), nil
}

// QuotaState returns the stored quota state without applying any reset.
func (s *SQLiteStore) QuotaState(ctx context.Context, userID int64) (quota.State, error) {
	row, err := getUserRow(ctx, s.db, userID)
	if err != nil {
		return quota.State{}, err
	}
	return row.toState(), nil
}

// UpdateQuota loads the user's quota state, lets fn modify it and writes the
// daily counters and spacing baseline back, all in one transaction.
func (s *SQLiteStore) UpdateQuota(ctx context.Context, userID int64, fn func(*quota.State) error) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		row, err := getUserRow(ctx, tx, userID)
		if err != nil {
			return err
		}

		state := row.toState()
		if err := fn(&state); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE users
			SET remaining_images = ?, last_reset_date = ?, last_generation_at = ?
			WHERE id = ?
		`, state.RemainingImages, state.LastResetDate, nullNanos(state.LastGenerationAt), userID)
		if err != nil {
			return fmt.Errorf("failed to update quota: %w", err)
		}
		return nil
	})
}

// AddTokens credits amount tokens to the user.
func (s *SQLiteStore) AddTokens(ctx context.Context, userID int64, amount float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET token_balance = token_balance + ? WHERE id = ?`, amount, userID)
	if err != nil {
		return fmt.Errorf("failed to add tokens: %w", err)
	}
	return checkUserUpdated(res, userID)
}

// SetPlan moves the user to planID and credits grant tokens.
func (s *SQLiteStore) SetPlan(ctx context.Context, userID int64, planID string, grant float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET plan = ?, token_balance = token_balance + ? WHERE id = ?
	`, planID, grant, userID)
	if err != nil {
		return fmt.Errorf("failed to set plan: %w", err)
	}
	return checkUserUpdated(res, userID)
}

func getUserRow(ctx context.Context, q sqlx.QueryerContext, userID int64) (userRow, error) {
	var row userRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return userRow{}, fmt.Errorf("user %d: %w", userID, ErrUserNotFound)
	}
	if err != nil {
		return userRow{}, fmt.Errorf("failed to query user: %w", err)
	}
	return row, nil
}

func checkUserUpdated(res sql.Result, userID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("user %d: %w", userID, ErrUserNotFound)
	}
	return nil
}
