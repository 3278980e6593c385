package safety

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/recaptchaenterprise/v1"

	"olmoplayground/internal/apierr"
	"olmoplayground/internal/config"
	"olmoplayground/internal/gcp"
	"olmoplayground/internal/logger"
)

// Assessment is the part of a reCAPTCHA assessment the gate looks at.
type Assessment struct {
	Valid         bool
	Action        string
	Score         float64
	InvalidReason string
}

type Assessor interface {
	Assess(ctx context.Context, token string) (*Assessment, error)
}

// Captcha evaluates bot-detection tokens for anonymous submissions.
type Captcha struct {
	log      *logger.Logger
	assessor Assessor
	action   string
	minScore float64
}

func NewCaptcha(log *logger.Logger, assessor Assessor, cfg config.CaptchaConfig) *Captcha {
	return &Captcha{
		log:      log.With("service", "safety.Captcha"),
		assessor: assessor,
		action:   cfg.ExpectedAction,
		minScore: cfg.MinScore,
	}
}

// Verify returns an apierr with invalid_captcha or failed_captcha_assessment
// when the token does not pass. Assessment backend failures are logged and let
// through.
func (c *Captcha) Verify(ctx context.Context, token string) error {
	if token == "" {
		return apierr.BadRequest(apierr.CodeInvalidCaptcha, "captcha token is required")
	}
	a, err := c.assessor.Assess(ctx, token)
	if err != nil {
		c.log.Error("captcha assessment failed", "error", err)
		return nil
	}
	if !a.Valid || (c.action != "" && a.Action != c.action) {
		c.log.Info("captcha rejected", "reason", a.InvalidReason, "action", a.Action)
		return apierr.BadRequest(apierr.CodeInvalidCaptcha, "captcha token is invalid")
	}
	if a.Score < c.minScore {
		c.log.Info("captcha score too low", "score", a.Score)
		return apierr.BadRequest(apierr.CodeFailedCaptcha, "captcha assessment failed")
	}
	return nil
}

// RecaptchaAssessor calls reCAPTCHA Enterprise CreateAssessment.
type RecaptchaAssessor struct {
	svc       *recaptchaenterprise.Service
	projectID string
	siteKey   string
	action    string
}

func NewRecaptchaAssessor(ctx context.Context, cfg config.CaptchaConfig) (*RecaptchaAssessor, error) {
	if cfg.ProjectID == "" || cfg.SiteKey == "" {
		return nil, errors.New("captcha project_id and site_key are required")
	}
	svc, err := recaptchaenterprise.NewService(ctx, gcp.ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("recaptcha client: %w", err)
	}
	return &RecaptchaAssessor{svc: svc, projectID: cfg.ProjectID, siteKey: cfg.SiteKey, action: cfg.ExpectedAction}, nil
}

func (r *RecaptchaAssessor) Assess(ctx context.Context, token string) (*Assessment, error) {
	req := &recaptchaenterprise.GoogleCloudRecaptchaenterpriseV1Assessment{
		Event: &recaptchaenterprise.GoogleCloudRecaptchaenterpriseV1Event{
			Token:          token,
			SiteKey:        r.siteKey,
			ExpectedAction: r.action,
		},
	}
	resp, err := r.svc.Projects.Assessments.Create("projects/"+r.projectID, req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("create assessment: %w", err)
	}
	out := &Assessment{}
	if tp := resp.TokenProperties; tp != nil {
		out.Valid = tp.Valid
		out.Action = tp.Action
		out.InvalidReason = tp.InvalidReason
	}
	if ra := resp.RiskAnalysis; ra != nil {
		out.Score = ra.Score
	}
	return out, nil
}
