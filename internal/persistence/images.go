package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrImageNotFound is returned for unknown image ids.
var ErrImageNotFound = errors.New("image not found")

// Image is a saved generation result.
type Image struct {
	ID               int64     `json:"id"`
	UserID           int64     `json:"user_id"`
	TaskID           int64     `json:"task_id"`
	Prompt           string    `json:"prompt"`
	TranslatedPrompt string    `json:"translated_prompt"`
	FilePath         string    `json:"file_path"`
	Width            int       `json:"width"`
	Height           int       `json:"height"`
	TokensUsed       float64   `json:"tokens_used"`
	CreatedAt        time.Time `json:"created_at"`
}

type imageRow struct {
	ID               int64   `db:"id"`
	UserID           int64   `db:"user_id"`
	TaskID           int64   `db:"task_id"`
	Prompt           string  `db:"prompt"`
	TranslatedPrompt string  `db:"translated_prompt"`
	FilePath         string  `db:"file_path"`
	Width            int     `db:"width"`
	Height           int     `db:"height"`
	TokensUsed       float64 `db:"tokens_used"`
	CreatedAt        int64   `db:"created_at"`
}

func (r imageRow) toImage() *Image {
	return &Image{
		ID:               r.ID,
		UserID:           r.UserID,
		TaskID:           r.TaskID,
		Prompt:           r.Prompt,
		TranslatedPrompt: r.TranslatedPrompt,
		FilePath:         r.FilePath,
		Width:            r.Width,
		Height:           r.Height,
		TokensUsed:       r.TokensUsed,
		CreatedAt:        time.Unix(0, r.CreatedAt),
	}
}

const imageColumns = `id, user_id, task_id, prompt, translated_prompt, file_path,
	width, height, tokens_used, created_at`

// ListImages returns up to limit of the user's images, newest first.
func (s *SQLiteStore) ListImages(ctx context.Context, userID int64, limit int) ([]*Image, error) {
	var rows []imageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+imageColumns+` FROM images
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	images := make([]*Image, len(rows))
	for i, r := range rows {
		images[i] = r.toImage()
	}
	return images, nil
}

// GetImage retrieves an image by id.
func (s *SQLiteStore) GetImage(ctx context.Context, imageID int64) (*Image, error) {
	var row imageRow
	err := s.db.GetContext(ctx, &row, `SELECT `+imageColumns+` FROM images WHERE id = ?`, imageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("image %d: %w", imageID, ErrImageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query image: %w", err)
	}
	return row.toImage(), nil
}
