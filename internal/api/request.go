package api

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"olmoplayground/internal/apierr"
	"olmoplayground/internal/models"
	"olmoplayground/internal/service/thread"
)

const maxUploadBytes = 20 << 20 // 20 MB per file

// createMessageRequest accepts either a JSON body or a multipart form; files
// can only be sent with the latter.
type createMessageRequest struct {
	Parent            *string                 `form:"parent" json:"parent"`
	Original          *string                 `form:"original" json:"original"`
	Content           string                  `form:"content" json:"content"`
	Role              string                  `form:"role" json:"role"`
	Model             string                  `form:"model" json:"model"`
	Host              string                  `form:"host" json:"host"`
	MaxTokens         *int                    `form:"max_tokens" json:"max_tokens"`
	Temperature       *float64                `form:"temperature" json:"temperature"`
	TopP              *float64                `form:"top_p" json:"top_p"`
	N                 *int                    `form:"n" json:"n"`
	Logprobs          *int                    `form:"logprobs" json:"logprobs"`
	Stop              []string                `form:"stop" json:"stop"`
	Private           *bool                   `form:"private" json:"private"`
	BypassSafetyCheck bool                    `form:"bypass_safety_check" json:"bypass_safety_check"`
	CaptchaToken      string                  `form:"captcha_token" json:"captcha_token"`
	EnableToolCalling bool                    `form:"enable_tool_calling" json:"enable_tool_calling"`
	SelectedTools     []string                `form:"selected_tools" json:"selected_tools"`
	MaxSteps          *int                    `form:"max_steps" json:"max_steps"`
	Files             []*multipart.FileHeader `form:"files" json:"-"`
}

func bindCreateMessage(c *gin.Context) (thread.CreateMessageRequest, error) {
	var body createMessageRequest
	if err := c.ShouldBind(&body); err != nil {
		return thread.CreateMessageRequest{}, apierr.BadRequest(apierr.CodeValidation, "invalid request body")
	}
	model := strings.TrimSpace(body.Model)
	if model == "" {
		return thread.CreateMessageRequest{}, apierr.Validation("model", "model is required")
	}
	role := models.RoleUser
	if r := strings.TrimSpace(body.Role); r != "" {
		role = models.Role(r)
	}
	files, err := readUploads(body.Files)
	if err != nil {
		return thread.CreateMessageRequest{}, err
	}
	return thread.CreateMessageRequest{
		Parent:   nonEmpty(body.Parent),
		Original: nonEmpty(body.Original),
		Content:  body.Content,
		Role:     role,
		ModelID:  model,
		Host:     models.Host(strings.TrimSpace(body.Host)),
		Opts: models.InferenceOpts{
			MaxTokens:   body.MaxTokens,
			Temperature: body.Temperature,
			TopP:        body.TopP,
			N:           body.N,
			Logprobs:    body.Logprobs,
			Stop:        body.Stop,
		},
		Private:           body.Private,
		Files:             files,
		BypassSafetyCheck: body.BypassSafetyCheck,
		CaptchaToken:      body.CaptchaToken,
		EnableToolCalling: body.EnableToolCalling,
		SelectedTools:     body.SelectedTools,
		MaxSteps:          body.MaxSteps,
	}, nil
}

func readUploads(headers []*multipart.FileHeader) ([]models.UploadedFile, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	files := make([]models.UploadedFile, 0, len(headers))
	for _, fh := range headers {
		if fh.Size > maxUploadBytes {
			return nil, apierr.New(http.StatusRequestEntityTooLarge, apierr.CodeValidation, fmt.Errorf("file %s is too large", fh.Filename))
		}
		f, err := fh.Open()
		if err != nil {
			return nil, apierr.Validation("files", "open file failed")
		}
		data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
		_ = f.Close()
		if err != nil {
			return nil, apierr.Validation("files", "read file failed")
		}
		files = append(files, models.UploadedFile{Name: filepath.Base(fh.Filename), Data: data})
	}
	return files, nil
}

func nonEmpty(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
