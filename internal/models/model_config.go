package models

import "strings"

// Host is the closed set of inference backend kinds.
type Host string

const (
	HostOpenAICompat Host = "openai_compat"
	HostToolAgent    Host = "tool_agent"
	HostQueue        Host = "queue"
	HostMock         Host = "mock"
)

func (h Host) Valid() bool {
	switch h {
	case HostOpenAICompat, HostToolAgent, HostQueue, HostMock:
		return true
	}
	return false
}

type PromptType string

const (
	PromptTextOnly   PromptType = "text_only"
	PromptMultiModal PromptType = "multi_modal"
	PromptFilesOnly  PromptType = "files_only"
)

type FileRequirement string

const (
	FileRequiredFirstMessage FileRequirement = "first_message"
	FileRequiredAllMessages  FileRequirement = "all_messages"
	FileNotRequired          FileRequirement = "no_requirement"
)

type ModelConfig struct {
	ID              string `json:"id" mapstructure:"id"`
	Name            string `json:"name" mapstructure:"name"`
	Host            Host   `json:"host" mapstructure:"host"`
	ComputeSourceID string `json:"-" mapstructure:"compute_source_id"`
	// Backend names the configured endpoint inside the host kind, e.g. "togetherai".
	Backend      string `json:"-" mapstructure:"backend"`
	Description  string `json:"description" mapstructure:"description"`
	ModelType    string `json:"model_type" mapstructure:"model_type"`
	InternalOnly bool   `json:"internal" mapstructure:"internal_only"`
	Deprecated   bool   `json:"-" mapstructure:"deprecated"`
	CanCallTools bool   `json:"can_call_tools" mapstructure:"can_call_tools"`
	CanThink     bool   `json:"can_think" mapstructure:"can_think"`

	DefaultSystemPrompt *string `json:"-" mapstructure:"default_system_prompt"`

	Constraints *OptConstraints `json:"constraints,omitempty" mapstructure:"constraints"`

	PromptType            PromptType      `json:"prompt_type" mapstructure:"prompt_type"`
	AcceptedFileTypes     []string        `json:"accepted_file_types,omitempty" mapstructure:"accepted_file_types"`
	MaxFilesPerMessage    *int            `json:"max_files_per_message,omitempty" mapstructure:"max_files_per_message"`
	RequireFileToPrompt   FileRequirement `json:"require_file_to_prompt,omitempty" mapstructure:"require_file_to_prompt"`
	MaxTotalFileSize      *int64          `json:"max_total_file_size,omitempty" mapstructure:"max_total_file_size"`
	AllowFilesInFollowups bool            `json:"allow_files_in_followups" mapstructure:"allow_files_in_followups"`
}

// OptConstraints returns the model's constraints or the shared defaults.
func (m ModelConfig) OptConstraints() OptConstraints {
	if m.Constraints != nil {
		return *m.Constraints
	}
	return DefaultOptConstraints()
}

// AcceptsMIME matches mime against the accepted patterns; "image/*" style
// wildcards are supported.
func (m ModelConfig) AcceptsMIME(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	for _, pattern := range m.AcceptedFileTypes {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "*/*" || pattern == mime {
			return true
		}
		if strings.HasSuffix(pattern, "/*") && strings.HasPrefix(mime, strings.TrimSuffix(pattern, "*")) {
			return true
		}
	}
	return false
}

// Agent is the caller of an operation.
type Agent struct {
	ID          string
	Anonymous   bool
	Permissions []string
}

func (a Agent) Has(permission string) bool {
	for _, p := range a.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}
