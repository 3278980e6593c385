package thread

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"olmoplayground/internal/apierr"
	"olmoplayground/internal/config"
	"olmoplayground/internal/filestore"
	"olmoplayground/internal/logger"
	"olmoplayground/internal/models"
	"olmoplayground/internal/service/safety"
	"olmoplayground/internal/storage"
)

// Gate runs the pre-generation safety checks.
type Gate interface {
	Check(ctx context.Context, agent models.Agent, req safety.GateRequest) error
}

// TurnTracker notices turns running concurrently on one thread.
type TurnTracker interface {
	Begin(ctx context.Context, root string) func()
}

// Service exposes the thread operations behind the HTTP handlers.
type Service struct {
	log          *logger.Logger
	store        Store
	assembler    *Assembler
	gate         Gate
	orchestrator *Orchestrator
	tracker      TurnTracker
	files        filestore.Store
	models       []models.ModelConfig
	internalPerm string
}

func NewService(log *logger.Logger, cfg *config.Config, store Store, assembler *Assembler, gate Gate, orchestrator *Orchestrator, tracker TurnTracker, files filestore.Store) *Service {
	return &Service{
		log:          log.With("service", "thread.Service"),
		store:        store,
		assembler:    assembler,
		gate:         gate,
		orchestrator: orchestrator,
		tracker:      tracker,
		files:        files,
		models:       cfg.Models,
		internalPerm: cfg.Auth.InternalPermission,
	}
}

// StreamNewMessage runs a full turn. Errors returned before emit is first
// called are request errors; after that, failures are carried in the stream
// and only ErrFinalization is returned.
func (s *Service) StreamNewMessage(ctx context.Context, req CreateMessageRequest, agent models.Agent, emit EmitFunc) error {
	turn, err := s.assembler.Prepare(ctx, req, agent)
	if err != nil {
		return err
	}
	if s.gate != nil {
		err := s.gate.Check(ctx, agent, safety.GateRequest{
			Content:         turn.Content,
			Files:           turn.Files,
			BypassRequested: turn.Bypass,
			CaptchaToken:    turn.CaptchaToken,
		})
		if err != nil {
			return err
		}
	}
	if err := s.assembler.Persist(ctx, turn); err != nil {
		return mapStoreError(err)
	}

	if turn.Role != models.RoleUser {
		// Submitted assistant replies are stored as-is without generation.
		if err := emit(turn.User); err != nil {
			s.log.Debug("client gone before submitted message was sent", "message_id", turn.User.ID, "error", err)
		}
		return nil
	}

	if s.tracker != nil {
		done := s.tracker.Begin(ctx, turn.User.Root)
		defer done()
	}
	return s.orchestrator.Stream(ctx, turn, emit)
}

// GetThread returns the thread containing id as a tree rooted at its first
// message.
func (s *Service) GetThread(ctx context.Context, id string, agent models.Agent) (*models.Message, error) {
	msg, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil || msg.Deleted != nil {
		return nil, apierr.NotFound(fmt.Sprintf("message %s not found", id))
	}
	msgs, err := s.store.GetByRoot(ctx, msg.Root)
	if err != nil {
		return nil, err
	}
	root := BuildTree(msgs, msg.Root)
	if root == nil {
		return nil, apierr.NotFound(fmt.Sprintf("message %s not found", id))
	}
	if root.Private && root.Creator != agent.ID {
		return nil, apierr.Forbidden("this thread is private")
	}
	return root, nil
}

// DeleteMessage soft-deletes a message owned by the caller and removes its
// uploaded files.
func (s *Service) DeleteMessage(ctx context.Context, id string, agent models.Agent) (*models.Message, error) {
	msg, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil || msg.Deleted != nil {
		return nil, apierr.NotFound(fmt.Sprintf("message %s not found", id))
	}
	if msg.Creator != agent.ID {
		return nil, apierr.Forbidden("you can only delete your own messages")
	}
	deleted, err := s.store.SoftDelete(ctx, id)
	if errors.Is(err, storage.ErrMessageNotFound) {
		return nil, apierr.NotFound(fmt.Sprintf("message %s not found", id))
	}
	if err != nil {
		return nil, err
	}
	if len(msg.FileURLs) > 0 {
		if err := s.files.DeleteMultipleFilesByURL(ctx, msg.FileURLs); err != nil {
			s.log.Warn("delete message files failed", "message_id", id, "error", err)
		}
	}
	return deleted, nil
}

// MigrationResult reports what moved from an anonymous identity.
type MigrationResult struct {
	PreviousUserID  string `json:"previous_user_id"`
	NewUserID       string `json:"new_user_id"`
	UpdatedMessages int64  `json:"updated_messages_count"`
	MovedFiles      int    `json:"moved_files_count"`
}

// MigrateUser moves an anonymous user's threads and files to the caller.
func (s *Service) MigrateUser(ctx context.Context, anonymousID string, agent models.Agent) (*MigrationResult, error) {
	if agent.Anonymous {
		return nil, apierr.Forbidden("sign in to keep your threads")
	}
	if anonymousID == "" {
		return nil, apierr.Validation("anonymous_user_id", "anonymous user id is required")
	}
	if anonymousID == agent.ID {
		return nil, apierr.Validation("anonymous_user_id", "cannot migrate a user to itself")
	}

	withFiles, err := s.store.ListWithFiles(ctx, anonymousID)
	if err != nil {
		return nil, err
	}
	moved, err := s.store.MigrateToNewUser(ctx, anonymousID, agent.ID)
	if err != nil {
		return nil, err
	}

	res := &MigrationResult{PreviousUserID: anonymousID, NewUserID: agent.ID, UpdatedMessages: moved}
	for _, msg := range withFiles {
		urls := make([]string, 0, len(msg.FileURLs))
		for _, raw := range msg.FileURLs {
			next, err := s.moveFile(ctx, raw, anonymousID, agent.ID)
			if err != nil {
				s.log.Warn("move file failed", "message_id", msg.ID, "error", err)
				urls = append(urls, raw)
				continue
			}
			urls = append(urls, next)
			res.MovedFiles++
		}
		if err := s.store.UpdateFileURLs(ctx, msg.ID, urls); err != nil {
			s.log.Warn("update migrated file urls failed", "message_id", msg.ID, "error", err)
		}
	}
	s.log.Info("user migrated", "previous_user", anonymousID, "new_user", agent.ID, "messages", moved, "files", res.MovedFiles)
	return res, nil
}

// moveFile renames an object from the from/ prefix to the to/ prefix.
func (s *Service) moveFile(ctx context.Context, raw, from, to string) (string, error) {
	bucket, name, err := s.files.ParseURL(raw)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(name, from+"/") {
		return raw, nil
	}
	dst := to + strings.TrimPrefix(name, from)
	if err := s.files.MoveFile(ctx, bucket, name, dst); err != nil {
		return "", err
	}
	return s.files.PublicURL(bucket, dst), nil
}

// CreateLabel records feedback on a visible message.
func (s *Service) CreateLabel(ctx context.Context, messageID string, rating models.Rating, comment *string, agent models.Agent) (*models.Label, error) {
	switch rating {
	case models.RatingFlag, models.RatingNegative, models.RatingPositive:
	default:
		return nil, apierr.Validation("rating", fmt.Sprintf("rating must be one of flag, negative, positive; got %q", rating))
	}
	msg, err := s.store.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil || msg.Deleted != nil {
		return nil, apierr.NotFound(fmt.Sprintf("message %s not found", messageID))
	}
	if msg.Private && msg.Creator != agent.ID {
		return nil, apierr.Forbidden("this thread is private")
	}
	label, err := s.store.CreateLabel(ctx, messageID, rating, comment, agent.ID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return label, nil
}

func (s *Service) DeleteLabel(ctx context.Context, id string, agent models.Agent) error {
	err := s.store.DeleteLabel(ctx, id, agent.ID)
	if errors.Is(err, storage.ErrLabelNotFound) {
		return apierr.NotFound(fmt.Sprintf("label %s not found", id))
	}
	return err
}

// ListModels returns the models the caller may use.
func (s *Service) ListModels(agent models.Agent) []models.ModelConfig {
	out := make([]models.ModelConfig, 0, len(s.models))
	for _, m := range s.models {
		if m.Deprecated {
			continue
		}
		if m.InternalOnly && !agent.Has(s.internalPerm) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// mapStoreError turns foreign key violations into request errors.
func mapStoreError(err error) error {
	var fk *storage.ForeignKeyError
	if errors.As(err, &fk) {
		return apierr.BadRequest("invalid_reference", fk.Error())
	}
	return err
}
