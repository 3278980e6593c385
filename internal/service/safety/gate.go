package safety

import (
	"context"

	"golang.org/x/sync/errgroup"

	"olmoplayground/internal/apierr"
	"olmoplayground/internal/logger"
	"olmoplayground/internal/metrics"
	"olmoplayground/internal/models"
)

// GateRequest is the part of a prompt submission the synchronous gate checks.
type GateRequest struct {
	Content         string
	Files           []models.UploadedFile
	BypassRequested bool
	CaptchaToken    string
}

// Gate runs the pre-generation checks. Any checker left nil is skipped.
type Gate struct {
	log              *logger.Logger
	text             TextChecker
	image            ImageChecker
	captcha          *Captcha
	bypassPermission string
}

func NewGate(log *logger.Logger, text TextChecker, image ImageChecker, captcha *Captcha, bypassPermission string) *Gate {
	return &Gate{
		log:              log.With("service", "safety.Gate"),
		text:             text,
		image:            image,
		captcha:          captcha,
		bypassPermission: bypassPermission,
	}
}

// Check returns nil when the request may proceed to generation. Order: bypass
// permission, captcha, then text and image checks in parallel.
func (g *Gate) Check(ctx context.Context, agent models.Agent, req GateRequest) error {
	bypass := false
	if req.BypassRequested {
		if !agent.Has(g.bypassPermission) {
			return apierr.Forbidden("you are not allowed to bypass safety checks")
		}
		bypass = true
	}

	if g.captcha != nil && agent.Anonymous {
		if err := g.captcha.Verify(ctx, req.CaptchaToken); err != nil {
			if e, ok := apierr.As(err); ok {
				metrics.SafetyRejections.WithLabelValues(e.Code).Inc()
			}
			return err
		}
	}

	if bypass {
		g.log.Info("safety check bypassed", "user_id", agent.ID)
		return nil
	}

	var textVerdict Verdict
	imageVerdicts := make([]Verdict, len(req.Files))
	group, gctx := errgroup.WithContext(ctx)
	if g.text != nil && req.Content != "" {
		group.Go(func() error {
			textVerdict = g.checkText(gctx, req.Content)
			return nil
		})
	} else {
		textVerdict = Safe()
	}
	for i, f := range req.Files {
		if g.image == nil || !f.IsImage() {
			imageVerdicts[i] = Safe()
			continue
		}
		group.Go(func() error {
			imageVerdicts[i] = g.checkImage(gctx, f)
			return nil
		})
	}
	_ = group.Wait()

	if !textVerdict.IsSafe() {
		g.log.Info("prompt rejected", "violations", textVerdict.Violations)
		metrics.SafetyRejections.WithLabelValues(apierr.CodeInappropriateText).Inc()
		return apierr.Safety(apierr.CodeInappropriateText)
	}
	for i, v := range imageVerdicts {
		if !v.IsSafe() {
			g.log.Info("file rejected", "file", req.Files[i].Name, "violations", v.Violations)
			metrics.SafetyRejections.WithLabelValues(apierr.CodeInappropriateFile).Inc()
			return apierr.Safety(apierr.CodeInappropriateFile)
		}
	}
	return nil
}

// checkText treats a checker failure as unknown, which lets the turn proceed.
func (g *Gate) checkText(ctx context.Context, content string) Verdict {
	v, err := g.text.CheckText(ctx, content)
	if err != nil {
		g.log.Error("text safety check failed", "error", err)
		metrics.SafetyCheckErrors.WithLabelValues("text").Inc()
		return Safe()
	}
	return v
}

func (g *Gate) checkImage(ctx context.Context, f models.UploadedFile) Verdict {
	v, err := g.image.CheckImage(ctx, f)
	if err != nil {
		g.log.Error("image safety check failed", "file", f.Name, "error", err)
		metrics.SafetyCheckErrors.WithLabelValues("image").Inc()
		return Safe()
	}
	return v
}
