package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"olmoplayground/internal/models"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	// ErrAlreadyFinal is returned when a finalize targets a message that was
	// already finalized; the stored content is left untouched.
	ErrAlreadyFinal = errors.New("message already finalized")
)

// MessageStore persists the message tree, completions and labels.
type MessageStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// CreateMessage is the input to Create. Empty ID and Root are filled in: a
// message without a parent becomes its own root.
type CreateMessage struct {
	ID              string
	Content         string
	Role            models.Role
	Creator         string
	Parent          *string
	Root            string
	Original        *string
	ModelID         string
	ModelHost       string
	Opts            models.InferenceOpts
	Private         bool
	Final           bool
	Anonymous       bool
	Thinking        *string
	FileURLs        []string
	Harmful         *bool
	ToolCalls       []models.ToolCall
	ToolDefinitions []models.ToolDefinition
}

// FinalizeMessage carries the fields set when a turn completes. Nil fields
// keep the stored value.
type FinalizeMessage struct {
	Content      *string
	Thinking     *string
	Logprobs     [][]models.TokenLogprob
	Completion   *string
	FinishReason *models.FinishReason
	FileURLs     []string
	ToolCalls    []models.ToolCall
}

const messageColumns = `id, root, parent, original, completion, content, thinking, file_urls, logprobs,
	role, creator, model_id, model_host, created, deleted, expiration_time, final, finish_reason,
	harmful, private, opts, tool_calls, tool_definitions`

// Create inserts a message row.
func (s *MessageStore) Create(ctx context.Context, in CreateMessage) (*models.Message, error) {
	if !in.Role.Valid() {
		return nil, fmt.Errorf("create message: invalid role %q", in.Role)
	}
	if in.Creator == "" {
		return nil, errors.New("create message: creator is required")
	}
	now := s.now()
	msg := &models.Message{
		ID:              in.ID,
		Root:            in.Root,
		Parent:          in.Parent,
		Original:        in.Original,
		Content:         in.Content,
		Thinking:        in.Thinking,
		FileURLs:        in.FileURLs,
		Role:            in.Role,
		Creator:         in.Creator,
		ModelID:         in.ModelID,
		ModelHost:       in.ModelHost,
		Created:         now,
		Final:           in.Final,
		Harmful:         in.Harmful,
		Private:         in.Private,
		Opts:            in.Opts,
		Labels:          []models.Label{},
		ToolCalls:       in.ToolCalls,
		ToolDefinitions: in.ToolDefinitions,
	}
	if msg.ID == "" {
		msg.ID = models.NewMessageID()
	}
	if msg.Root == "" {
		if msg.Parent != nil {
			return nil, errors.New("create message: root is required for replies")
		}
		msg.Root = msg.ID
	}
	if in.Anonymous {
		exp := now.Add(models.AnonymousMessageTTL)
		msg.ExpirationTime = &exp
	}

	fileURLs, err := encodeJSON(msg.FileURLs)
	if err != nil {
		return nil, err
	}
	opts, err := json.Marshal(msg.Opts)
	if err != nil {
		return nil, fmt.Errorf("encode opts: %w", err)
	}
	toolCalls, err := encodeJSON(msg.ToolCalls)
	if err != nil {
		return nil, err
	}
	toolDefs, err := encodeJSON(msg.ToolDefinitions)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO message (id, root, parent, original, content, thinking, file_urls, role, creator,
			model_id, model_host, created, expiration_time, final, harmful, private, opts, tool_calls, tool_definitions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		msg.ID, msg.Root, msg.Parent, msg.Original, msg.Content, msg.Thinking, fileURLs, string(msg.Role), msg.Creator,
		msg.ModelID, msg.ModelHost, msg.Created, msg.ExpirationTime, msg.Final, msg.Harmful, msg.Private, string(opts), toolCalls, toolDefs,
	)
	if err != nil {
		if fkErr := s.foreignKeyError(ctx, err, msg); fkErr != nil {
			return nil, fkErr
		}
		return nil, fmt.Errorf("create message: %w", err)
	}
	return msg, nil
}

// GetByID returns the message with its labels, or (nil, nil) when no row
// matches. Soft-deleted messages are returned; callers decide visibility.
func (s *MessageStore) GetByID(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM message WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	labels, err := s.ListLabels(ctx, []string{msg.ID})
	if err != nil {
		return nil, err
	}
	msg.Labels = labels[msg.ID]
	if msg.Labels == nil {
		msg.Labels = []models.Label{}
	}
	return msg, nil
}

// GetByRoot returns every row of a thread, labels attached, oldest first.
func (s *MessageStore) GetByRoot(ctx context.Context, root string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM message WHERE root = $1 ORDER BY created ASC, id ASC`, root)
	if err != nil {
		return nil, fmt.Errorf("list thread: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return msgs, nil
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	labels, err := s.ListLabels(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		m.Labels = labels[m.ID]
		if m.Labels == nil {
			m.Labels = []models.Label{}
		}
	}
	return msgs, nil
}

// Finalize marks a message final. A message can be finalized exactly once:
// a second call returns ErrAlreadyFinal without writing.
func (s *MessageStore) Finalize(ctx context.Context, id string, in FinalizeMessage) (*models.Message, error) {
	sets := []string{"final = $1"}
	args := []any{true}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if in.Content != nil {
		add("content", *in.Content)
	}
	if in.Thinking != nil {
		add("thinking", *in.Thinking)
	}
	if in.Logprobs != nil {
		raw, err := encodeJSON(in.Logprobs)
		if err != nil {
			return nil, err
		}
		add("logprobs", raw)
	}
	if in.Completion != nil {
		add("completion", *in.Completion)
	}
	if in.FinishReason != nil {
		add("finish_reason", string(*in.FinishReason))
	}
	if in.FileURLs != nil {
		raw, err := encodeJSON(in.FileURLs)
		if err != nil {
			return nil, err
		}
		add("file_urls", raw)
	}
	if in.ToolCalls != nil {
		raw, err := encodeJSON(in.ToolCalls)
		if err != nil {
			return nil, err
		}
		add("tool_calls", raw)
	}
	args = append(args, id, false)
	query := fmt.Sprintf(`UPDATE message SET %s WHERE id = $%d AND final = $%d`,
		strings.Join(sets, ", "), len(args)-1, len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if fkErr := asForeignKeyError(err); fkErr != nil {
			return nil, fkErr
		}
		if isSQLiteForeignKey(err) {
			return nil, &ForeignKeyError{Key: KeyCompletion, Err: err}
		}
		return nil, fmt.Errorf("finalize message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("finalize message: %w", err)
	}
	if affected == 0 {
		existing, err := s.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, ErrMessageNotFound
		}
		return nil, ErrAlreadyFinal
	}
	return s.GetByID(ctx, id)
}

// SoftDelete stamps the message deleted and evicts its completion record.
// The returned message still lists the file URLs so callers can remove the
// objects from storage.
func (s *MessageStore) SoftDelete(ctx context.Context, id string) (*models.Message, error) {
	msg, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, ErrMessageNotFound
	}
	if msg.Deleted != nil {
		return msg, nil
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("soft delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE message SET deleted = $1, completion = NULL, file_urls = NULL WHERE id = $2`, now, id); err != nil {
		return nil, fmt.Errorf("soft delete: %w", err)
	}
	if msg.Completion != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM completion WHERE id = $1`, *msg.Completion); err != nil {
			return nil, fmt.Errorf("evict completion: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("soft delete: %w", err)
	}
	msg.Deleted = &now
	return msg, nil
}

// MigrateToNewUser moves everything an anonymous user created to an
// authenticated user and clears expiration. It returns the number of messages
// moved.
func (s *MessageStore) MigrateToNewUser(ctx context.Context, previous, next string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("migrate user: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE message SET creator = $1, expiration_time = NULL WHERE creator = $2`, next, previous)
	if err != nil {
		return 0, fmt.Errorf("migrate messages: %w", err)
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("migrate messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE label SET creator = $1 WHERE creator = $2`, next, previous); err != nil {
		return 0, fmt.Errorf("migrate labels: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("migrate user: %w", err)
	}
	return moved, nil
}

// ListWithFiles returns the creator's messages that reference uploaded files.
func (s *MessageStore) ListWithFiles(ctx context.Context, creator string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM message WHERE creator = $1 AND file_urls IS NOT NULL AND deleted IS NULL`, creator)
	if err != nil {
		return nil, fmt.Errorf("list messages with files: %w", err)
	}
	return scanMessages(rows)
}

// UpdateFileURLs replaces the file references of a message.
func (s *MessageStore) UpdateFileURLs(ctx context.Context, id string, urls []string) error {
	raw, err := encodeJSON(urls)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE message SET file_urls = $1 WHERE id = $2`, raw, id)
	if err != nil {
		return fmt.Errorf("update file urls: %w", err)
	}
	return requireAffected(res)
}

func (s *MessageStore) ClearFileURLs(ctx context.Context, id string) error {
	return s.UpdateFileURLs(ctx, id, nil)
}

// SetHarmful records the verdict of an asynchronous safety check.
func (s *MessageStore) SetHarmful(ctx context.Context, id string, harmful bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE message SET harmful = $1 WHERE id = $2`, harmful, id)
	if err != nil {
		return fmt.Errorf("set harmful: %w", err)
	}
	return requireAffected(res)
}

// ListExpired returns messages whose expiration has passed.
func (s *MessageStore) ListExpired(ctx context.Context, before time.Time) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM message WHERE expiration_time IS NOT NULL AND expiration_time <= $1`, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}
	return scanMessages(rows)
}

// DeleteExpired hard-deletes expired messages, their descendants and their
// completions.
func (s *MessageStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	defer tx.Rollback()

	cutoff := before.UTC()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM completion WHERE id IN (
			SELECT completion FROM message WHERE completion IS NOT NULL AND expiration_time IS NOT NULL AND expiration_time <= $1)`,
		cutoff); err != nil {
		return 0, fmt.Errorf("delete expired completions: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM message WHERE expiration_time IS NOT NULL AND expiration_time <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return n, nil
}

// ListStale returns assistant messages that never reached final.
func (s *MessageStore) ListStale(ctx context.Context, createdBefore time.Time) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM message WHERE final = $1 AND role = $2 AND deleted IS NULL AND created <= $3`,
		false, string(models.RoleAssistant), createdBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	return scanMessages(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg                               models.Message
		parent, original, completion      sql.NullString
		thinking, fileURLs, logprobs      sql.NullString
		finishReason, toolCalls, toolDefs sql.NullString
		role, opts                        string
		deleted, expiration               sql.NullTime
		harmful                           sql.NullBool
	)
	err := row.Scan(&msg.ID, &msg.Root, &parent, &original, &completion, &msg.Content, &thinking, &fileURLs, &logprobs,
		&role, &msg.Creator, &msg.ModelID, &msg.ModelHost, &msg.Created, &deleted, &expiration, &msg.Final, &finishReason,
		&harmful, &msg.Private, &opts, &toolCalls, &toolDefs)
	if err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	msg.Parent = nullString(parent)
	msg.Original = nullString(original)
	msg.Completion = nullString(completion)
	msg.Thinking = nullString(thinking)
	msg.Created = msg.Created.UTC()
	if deleted.Valid {
		t := deleted.Time.UTC()
		msg.Deleted = &t
	}
	if expiration.Valid {
		t := expiration.Time.UTC()
		msg.ExpirationTime = &t
	}
	if finishReason.Valid {
		fr := models.FinishReason(finishReason.String)
		msg.FinishReason = &fr
	}
	if harmful.Valid {
		msg.Harmful = &harmful.Bool
	}
	if err := json.Unmarshal([]byte(opts), &msg.Opts); err != nil {
		return nil, fmt.Errorf("decode opts: %w", err)
	}
	if err := decodeJSON(fileURLs, &msg.FileURLs); err != nil {
		return nil, err
	}
	if err := decodeJSON(logprobs, &msg.Logprobs); err != nil {
		return nil, err
	}
	if err := decodeJSON(toolCalls, &msg.ToolCalls); err != nil {
		return nil, err
	}
	if err := decodeJSON(toolDefs, &msg.ToolDefinitions); err != nil {
		return nil, err
	}
	return &msg, nil
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	defer rows.Close()
	var msgs []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func encodeJSON(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case []string:
		if val == nil {
			return sql.NullString{}, nil
		}
	case [][]models.TokenLogprob:
		if val == nil {
			return sql.NullString{}, nil
		}
	case []models.ToolCall:
		if val == nil {
			return sql.NullString{}, nil
		}
	case []models.ToolDefinition:
		if val == nil {
			return sql.NullString{}, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode json column: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeJSON(src sql.NullString, dst any) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(src.String), dst); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	return nil
}
