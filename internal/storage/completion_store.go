package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"olmoplayground/internal/models"
)

// CreateCompletion inserts the audit record of one model invocation.
func (s *MessageStore) CreateCompletion(ctx context.Context, c *models.Completion) error {
	if c.ID == "" {
		c.ID = models.NewCompletionID()
	}
	if c.Created.IsZero() {
		c.Created = s.now()
	}
	outputs, err := json.Marshal(c.Outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	opts, err := json.Marshal(c.Opts)
	if err != nil {
		return fmt.Errorf("encode opts: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO completion (id, input, outputs, opts, model, sha, created, tokenize_ms, generation_ms,
			queue_ms, input_tokens, output_tokens)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.Input, string(outputs), string(opts), c.Model, c.SHA, c.Created, c.TokenizeMS, c.GenerationMS,
		c.QueueMS, c.InputTokens, c.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("create completion: %w", err)
	}
	return nil
}

// GetCompletion returns (nil, nil) when the completion does not exist.
func (s *MessageStore) GetCompletion(ctx context.Context, id string) (*models.Completion, error) {
	var (
		c             models.Completion
		outputs, opts string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, input, outputs, opts, model, sha, created, tokenize_ms, generation_ms, queue_ms,
			input_tokens, output_tokens
		FROM completion WHERE id = $1`, id,
	).Scan(&c.ID, &c.Input, &outputs, &opts, &c.Model, &c.SHA, &c.Created, &c.TokenizeMS, &c.GenerationMS,
		&c.QueueMS, &c.InputTokens, &c.OutputTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get completion: %w", err)
	}
	if err := json.Unmarshal([]byte(outputs), &c.Outputs); err != nil {
		return nil, fmt.Errorf("decode outputs: %w", err)
	}
	if err := json.Unmarshal([]byte(opts), &c.Opts); err != nil {
		return nil, fmt.Errorf("decode opts: %w", err)
	}
	return &c, nil
}

// DeleteCompletion removes a completion; messages referencing it are unlinked
// by the foreign key.
func (s *MessageStore) DeleteCompletion(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM completion WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete completion: %w", err)
	}
	return nil
}
