package thread

import (
	"context"
	"errors"
	"fmt"

	"olmoplayground/internal/apierr"
	"olmoplayground/internal/config"
	"olmoplayground/internal/logger"
	"olmoplayground/internal/models"
	"olmoplayground/internal/storage"
)

// Store is the message persistence the thread service needs. It is
// satisfied by *storage.MessageStore.
type Store interface {
	Create(ctx context.Context, in storage.CreateMessage) (*models.Message, error)
	GetByID(ctx context.Context, id string) (*models.Message, error)
	GetByRoot(ctx context.Context, root string) ([]*models.Message, error)
	Finalize(ctx context.Context, id string, in storage.FinalizeMessage) (*models.Message, error)
	SoftDelete(ctx context.Context, id string) (*models.Message, error)
	MigrateToNewUser(ctx context.Context, previous, next string) (int64, error)
	ListWithFiles(ctx context.Context, creator string) ([]*models.Message, error)
	UpdateFileURLs(ctx context.Context, id string, urls []string) error
	CreateCompletion(ctx context.Context, c *models.Completion) error
	CreateLabel(ctx context.Context, messageID string, rating models.Rating, comment *string, creator string) (*models.Label, error)
	DeleteLabel(ctx context.Context, id, creator string) error
}

// Tools lists and runs the tools a model may call.
type Tools interface {
	Definitions(selected []string) []models.ToolDefinition
	Call(ctx context.Context, key string, call models.ToolCall) (string, error)
}

// CreateMessageRequest is one submitted turn.
type CreateMessageRequest struct {
	Parent            *string
	Original          *string
	Content           string
	Role              models.Role
	ModelID           string
	Host              models.Host
	Opts              models.InferenceOpts
	Private           *bool
	Files             []models.UploadedFile
	BypassSafetyCheck bool
	CaptchaToken      string
	EnableToolCalling bool
	SelectedTools     []string
	MaxSteps          *int
}

// AssembledTurn is a resolved and validated turn. New rows are filled in by
// Persist.
type AssembledTurn struct {
	Agent    models.Agent
	Model    models.ModelConfig
	Role     models.Role
	Content  string
	Original *string
	Parent   *models.Message
	// History holds the persisted ancestors, root first.
	History         []*models.Message
	Opts            models.InferenceOpts
	Private         bool
	Files           []models.UploadedFile
	ToolDefinitions []models.ToolDefinition
	MaxSteps        int
	Bypass          bool
	CaptchaToken    string

	System *models.Message
	User   *models.Message
	// Chain is History plus the new rows: what the engine sees.
	Chain []*models.Message
}

// RootID returns the id of the thread's root once the turn is persisted.
func (t *AssembledTurn) RootID() string {
	if t.User != nil {
		return t.User.Root
	}
	if t.Parent != nil {
		return t.Parent.Root
	}
	return ""
}

// Assembler resolves a request against the stored thread.
type Assembler struct {
	log                *logger.Logger
	store              Store
	tools              Tools
	models             map[string]models.ModelConfig
	internalPermission string
	defaultMaxSteps    int
	maxStepsCap        int
}

func NewAssembler(log *logger.Logger, store Store, tools Tools, cfg *config.Config) *Assembler {
	byID := make(map[string]models.ModelConfig, len(cfg.Models))
	for _, m := range cfg.Models {
		byID[m.ID] = m
	}
	return &Assembler{
		log:                log.With("service", "thread.Assembler"),
		store:              store,
		tools:              tools,
		models:             byID,
		internalPermission: cfg.Auth.InternalPermission,
		defaultMaxSteps:    cfg.Tools.DefaultMaxSteps,
		maxStepsCap:        cfg.Tools.MaxStepsCap,
	}
}

// Assemble resolves the request and inserts the new rows.
func (a *Assembler) Assemble(ctx context.Context, req CreateMessageRequest, agent models.Agent) (*AssembledTurn, error) {
	turn, err := a.Prepare(ctx, req, agent)
	if err != nil {
		return nil, err
	}
	if err := a.Persist(ctx, turn); err != nil {
		return nil, err
	}
	return turn, nil
}

// Prepare resolves and validates a turn without writing anything.
func (a *Assembler) Prepare(ctx context.Context, req CreateMessageRequest, agent models.Agent) (*AssembledTurn, error) {
	model, err := a.resolveModel(req, agent)
	if err != nil {
		return nil, err
	}

	role := req.Role
	if role == "" {
		role = models.RoleUser
	}
	switch role {
	case models.RoleUser, models.RoleAssistant:
	default:
		return nil, apierr.Validation("role", fmt.Sprintf("role %q cannot be submitted", role))
	}
	if role == models.RoleAssistant && req.Parent == nil {
		return nil, apierr.Validation("role", "assistant messages must have a parent")
	}

	turn := &AssembledTurn{
		Agent:        agent,
		Model:        model,
		Role:         role,
		Content:      req.Content,
		Original:     req.Original,
		Bypass:       req.BypassSafetyCheck,
		CaptchaToken: req.CaptchaToken,
	}

	var parentOpts models.InferenceOpts
	if req.Parent != nil {
		parent, root, history, err := a.resolveParent(ctx, *req.Parent)
		if err != nil {
			return nil, err
		}
		if parent.Role == role {
			return nil, apierr.Validation("role", "a message must have a different role than its parent")
		}
		if root.Private && root.Creator != agent.ID {
			return nil, apierr.Forbidden("this thread is private")
		}
		if req.Private != nil && *req.Private != root.Private {
			return nil, apierr.Validation("private", "private must match the visibility of the thread")
		}
		turn.Parent = parent
		turn.History = history
		turn.Private = root.Private
		parentOpts = parent.Opts
	} else if req.Private != nil {
		turn.Private = *req.Private
	}

	constraints := model.OptConstraints()
	turn.Opts = models.MergeOpts(constraints.Defaults(), parentOpts, req.Opts)
	if err := turn.Opts.Validate(constraints); err != nil {
		var optErr *models.OptionError
		if errors.As(err, &optErr) {
			return nil, apierr.Validation(optErr.Field, optErr.Message)
		}
		return nil, apierr.Validation("opts", err.Error())
	}

	turn.Files = SniffFiles(req.Files)
	if role == models.RoleUser {
		if err := ValidateFiles(model, turn.Files, req.Parent == nil); err != nil {
			return nil, err
		}
	} else if len(turn.Files) > 0 {
		return nil, apierr.Validation("files", "files can only be sent with user messages")
	}

	if req.EnableToolCalling {
		if !model.CanCallTools {
			return nil, apierr.Validation("enable_tool_calling", "This model does not support tool calling")
		}
		if a.tools != nil {
			turn.ToolDefinitions = a.tools.Definitions(req.SelectedTools)
		}
		steps, err := a.maxSteps(req.MaxSteps)
		if err != nil {
			return nil, err
		}
		turn.MaxSteps = steps
	}
	return turn, nil
}

func (a *Assembler) resolveModel(req CreateMessageRequest, agent models.Agent) (models.ModelConfig, error) {
	model, ok := a.models[req.ModelID]
	if !ok {
		return models.ModelConfig{}, apierr.NotFound(fmt.Sprintf("model %s not found", req.ModelID))
	}
	if req.Host != "" && req.Host != model.Host {
		return models.ModelConfig{}, apierr.Validation("host", fmt.Sprintf("model %s is not served by %s", model.ID, req.Host))
	}
	if model.Deprecated {
		return models.ModelConfig{}, apierr.Validation("model", fmt.Sprintf("model %s is no longer available", model.ID))
	}
	if model.InternalOnly && !agent.Has(a.internalPermission) {
		return models.ModelConfig{}, apierr.Forbidden("you do not have access to this model")
	}
	return model, nil
}

// resolveParent loads the parent, its root and the history leading to it.
func (a *Assembler) resolveParent(ctx context.Context, parentID string) (*models.Message, *models.Message, []*models.Message, error) {
	parent, err := a.store.GetByID(ctx, parentID)
	if err != nil {
		return nil, nil, nil, err
	}
	if parent == nil || parent.Deleted != nil {
		return nil, nil, nil, apierr.NotFound("parent message not found")
	}
	thread, err := a.store.GetByRoot(ctx, parent.Root)
	if err != nil {
		return nil, nil, nil, err
	}
	var root *models.Message
	for _, m := range thread {
		if m.ID == parent.Root {
			root = m
			break
		}
	}
	if root == nil || root.Deleted != nil {
		return nil, nil, nil, apierr.NotFound("root message not found")
	}
	history := ancestry(thread, parent.ID)
	if len(history) == 0 || history[0].ID != root.ID {
		return nil, nil, nil, apierr.NotFound("parent message not found")
	}
	return parent, root, history, nil
}

func (a *Assembler) maxSteps(requested *int) (int, error) {
	steps := a.defaultMaxSteps
	if requested != nil {
		if *requested < 1 {
			return 0, apierr.Validation("max_steps", "max_steps must be at least 1")
		}
		steps = *requested
	}
	if a.maxStepsCap > 0 && steps > a.maxStepsCap {
		steps = a.maxStepsCap
	}
	if steps < 1 {
		steps = 1
	}
	return steps, nil
}

// Persist inserts the system prompt (for new threads) and the submitted
// message.
func (a *Assembler) Persist(ctx context.Context, turn *AssembledTurn) error {
	base := storage.CreateMessage{
		Creator:   turn.Agent.ID,
		ModelID:   turn.Model.ID,
		ModelHost: string(turn.Model.Host),
		Opts:      turn.Opts,
		Private:   turn.Private,
		Anonymous: turn.Agent.Anonymous,
	}

	var parentID *string
	root := ""
	if turn.Parent != nil {
		parentID = &turn.Parent.ID
		root = turn.Parent.Root
	} else if prompt := turn.Model.DefaultSystemPrompt; prompt != nil && *prompt != "" {
		sys := base
		sys.Role = models.RoleSystem
		sys.Content = *prompt
		system, err := a.store.Create(ctx, sys)
		if err != nil {
			return fmt.Errorf("create system message: %w", err)
		}
		turn.System = system
		parentID = &system.ID
		root = system.ID
	}

	in := base
	in.Role = turn.Role
	in.Content = turn.Content
	in.Parent = parentID
	in.Root = root
	in.Original = turn.Original
	in.Final = turn.Role != models.RoleUser
	if turn.Role == models.RoleUser {
		in.ToolDefinitions = turn.ToolDefinitions
	}
	user, err := a.store.Create(ctx, in)
	if err != nil {
		return fmt.Errorf("create %s message: %w", turn.Role, err)
	}
	turn.User = user

	chain := make([]*models.Message, 0, len(turn.History)+2)
	chain = append(chain, turn.History...)
	if turn.System != nil {
		chain = append(chain, turn.System)
	}
	turn.Chain = append(chain, user)
	a.log.Debug("turn assembled", "root", user.Root, "message_id", user.ID, "model", turn.Model.ID)
	return nil
}
