package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"olmoplayground/internal/models"
)

// Foreign keys a message row can violate.
const (
	KeyCompletion = "completion"
	KeyOriginal   = "original"
	KeyParent     = "parent"
	KeyRoot       = "root"
	KeyTemplate   = "template"
	KeyMessage    = "message"
)

var constraintKeys = map[string]string{
	"message_completion_fkey": KeyCompletion,
	"message_original_fkey":   KeyOriginal,
	"message_parent_fkey":     KeyParent,
	"message_root_fkey":       KeyRoot,
	"message_template_fkey":   KeyTemplate,
	"label_message_fkey":      KeyMessage,
}

// ForeignKeyError identifies the reference that did not resolve.
type ForeignKeyError struct {
	Key string
	Err error
}

func (e *ForeignKeyError) Error() string {
	return fmt.Sprintf("%s does not reference an existing record", e.Key)
}

func (e *ForeignKeyError) Unwrap() error { return e.Err }

const pqForeignKeyViolation = "23503"

func asForeignKeyError(err error) *ForeignKeyError {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqForeignKeyViolation {
		key, ok := constraintKeys[pqErr.Constraint]
		if !ok {
			key = pqErr.Constraint
		}
		return &ForeignKeyError{Key: key, Err: err}
	}
	return nil
}

func isSQLiteForeignKey(err error) bool {
	var liteErr sqlite3.Error
	return errors.As(err, &liteErr) && liteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

// foreignKeyError maps a failed message insert to a ForeignKeyError. SQLite
// does not report the constraint name, so the references are probed.
func (s *MessageStore) foreignKeyError(ctx context.Context, err error, msg *models.Message) error {
	if fkErr := asForeignKeyError(err); fkErr != nil {
		return fkErr
	}
	if !isSQLiteForeignKey(err) {
		return nil
	}
	refs := []struct {
		key string
		id  *string
	}{
		{KeyParent, msg.Parent},
		{KeyRoot, &msg.Root},
		{KeyOriginal, msg.Original},
	}
	for _, ref := range refs {
		if ref.id == nil || *ref.id == msg.ID {
			continue
		}
		var exists int
		probe := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message WHERE id = $1`, *ref.id)
		if probeErr := probe.Scan(&exists); probeErr == nil && exists == 0 {
			return &ForeignKeyError{Key: ref.key, Err: err}
		}
	}
	return &ForeignKeyError{Key: KeyParent, Err: err}
}
