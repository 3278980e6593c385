package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"olmoplayground/internal/models"
)

var ErrLabelNotFound = errors.New("label not found")

// CreateLabel records user feedback on a message.
func (s *MessageStore) CreateLabel(ctx context.Context, messageID string, rating models.Rating, comment *string, creator string) (*models.Label, error) {
	switch rating {
	case models.RatingFlag, models.RatingNegative, models.RatingPositive:
	default:
		return nil, fmt.Errorf("create label: invalid rating %q", rating)
	}
	label := &models.Label{
		ID:      models.NewID("lbl"),
		Message: messageID,
		Rating:  rating,
		Comment: comment,
		Creator: creator,
		Created: s.now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO label (id, message, rating, comment, creator, created) VALUES ($1, $2, $3, $4, $5, $6)`,
		label.ID, label.Message, string(label.Rating), label.Comment, label.Creator, label.Created,
	)
	if err != nil {
		if fkErr := asForeignKeyError(err); fkErr != nil {
			return nil, fkErr
		}
		if isSQLiteForeignKey(err) {
			return nil, &ForeignKeyError{Key: KeyMessage, Err: err}
		}
		return nil, fmt.Errorf("create label: %w", err)
	}
	return label, nil
}

// DeleteLabel soft-deletes a label owned by creator.
func (s *MessageStore) DeleteLabel(ctx context.Context, id, creator string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE label SET deleted = $1 WHERE id = $2 AND creator = $3 AND deleted IS NULL`, s.now(), id, creator)
	if err != nil {
		return fmt.Errorf("delete label: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete label: %w", err)
	}
	if n == 0 {
		return ErrLabelNotFound
	}
	return nil
}

// ListLabels returns the live labels of the given messages keyed by message id.
func (s *MessageStore) ListLabels(ctx context.Context, messageIDs []string) (map[string][]models.Label, error) {
	out := make(map[string][]models.Label, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(messageIDs))
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message, rating, comment, creator, created FROM label
		WHERE deleted IS NULL AND message IN (`+strings.Join(placeholders, ", ")+`) ORDER BY created ASC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			l       models.Label
			rating  string
			comment sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.Message, &rating, &comment, &l.Creator, &l.Created); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		l.Rating = models.Rating(rating)
		l.Comment = nullString(comment)
		out[l.Message] = append(out[l.Message], l)
	}
	return out, rows.Err()
}
