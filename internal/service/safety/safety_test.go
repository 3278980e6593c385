package safety

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"olmoplayground/internal/apierr"
	"olmoplayground/internal/config"
	"olmoplayground/internal/logger"
	"olmoplayground/internal/models"
)

type fakeText struct {
	verdict Verdict
	err     error
	calls   atomic.Int32
}

func (f *fakeText) CheckText(context.Context, string) (Verdict, error) {
	f.calls.Add(1)
	return f.verdict, f.err
}

type fakeImage struct {
	verdict Verdict
	err     error
	calls   atomic.Int32
}

func (f *fakeImage) CheckImage(context.Context, models.UploadedFile) (Verdict, error) {
	f.calls.Add(1)
	return f.verdict, f.err
}

type fakeAssessor struct {
	assessment *Assessment
	err        error
}

func (f *fakeAssessor) Assess(context.Context, string) (*Assessment, error) {
	return f.assessment, f.err
}

var png = models.UploadedFile{Name: "cat.png", MIME: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}

func TestGateRejectsBypassWithoutPermission(t *testing.T) {
	text := &fakeText{verdict: Safe()}
	gate := NewGate(logger.Nop(), text, nil, nil, "write:bypass")

	err := gate.Check(context.Background(), models.Agent{ID: "u1"}, GateRequest{Content: "hi", BypassRequested: true})

	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeForbidden, e.Code)
	assert.Zero(t, text.calls.Load())
}

func TestGateBypassSkipsChecks(t *testing.T) {
	text := &fakeText{verdict: Unsafe("x")}
	gate := NewGate(logger.Nop(), text, nil, nil, "write:bypass")
	agent := models.Agent{ID: "u1", Permissions: []string{"write:bypass"}}

	require.NoError(t, gate.Check(context.Background(), agent, GateRequest{Content: "hi", BypassRequested: true}))
	assert.Zero(t, text.calls.Load())
}

func TestGateUnsafeText(t *testing.T) {
	gate := NewGate(logger.Nop(), &fakeText{verdict: Unsafe("harmful_request")}, &fakeImage{verdict: Safe()}, nil, "")

	err := gate.Check(context.Background(), models.Agent{ID: "u1"}, GateRequest{Content: "bad", Files: []models.UploadedFile{png}})

	assert.True(t, apierr.Is(err, apierr.CodeInappropriateText))
}

func TestGateUnsafeImage(t *testing.T) {
	image := &fakeImage{verdict: Unsafe("adult")}
	gate := NewGate(logger.Nop(), &fakeText{verdict: Safe()}, image, nil, "")

	err := gate.Check(context.Background(), models.Agent{ID: "u1"}, GateRequest{Content: "look", Files: []models.UploadedFile{png, png}})

	assert.True(t, apierr.Is(err, apierr.CodeInappropriateFile))
	assert.EqualValues(t, 2, image.calls.Load())
}

func TestGateCheckerErrorsLetTurnProceed(t *testing.T) {
	gate := NewGate(logger.Nop(), &fakeText{err: errors.New("judge down")}, &fakeImage{err: errors.New("vision down")}, nil, "")

	err := gate.Check(context.Background(), models.Agent{ID: "u1"}, GateRequest{Content: "hi", Files: []models.UploadedFile{png}})

	assert.NoError(t, err)
}

func TestGateSkipsNonImageFiles(t *testing.T) {
	image := &fakeImage{verdict: Unsafe("adult")}
	gate := NewGate(logger.Nop(), nil, image, nil, "")
	video := models.UploadedFile{Name: "clip.mp4", MIME: "video/mp4", Data: []byte("x")}

	require.NoError(t, gate.Check(context.Background(), models.Agent{ID: "u1"}, GateRequest{Files: []models.UploadedFile{video}}))
	assert.Zero(t, image.calls.Load())
}

func TestGateCaptchaOnlyForAnonymous(t *testing.T) {
	captcha := NewCaptcha(logger.Nop(), &fakeAssessor{assessment: &Assessment{Valid: false}}, config.CaptchaConfig{})
	text := &fakeText{verdict: Safe()}
	gate := NewGate(logger.Nop(), text, nil, captcha, "")

	err := gate.Check(context.Background(), models.Agent{ID: "anon", Anonymous: true}, GateRequest{Content: "hi", CaptchaToken: "tok"})
	assert.True(t, apierr.Is(err, apierr.CodeInvalidCaptcha))
	assert.Zero(t, text.calls.Load())

	require.NoError(t, gate.Check(context.Background(), models.Agent{ID: "u1"}, GateRequest{Content: "hi"}))
}

func TestCaptchaVerify(t *testing.T) {
	cfg := config.CaptchaConfig{ExpectedAction: "prompt_submission", MinScore: 0.5}
	tests := []struct {
		name     string
		token    string
		assessor *fakeAssessor
		code     string
	}{
		{name: "missing token", token: "", assessor: &fakeAssessor{}, code: apierr.CodeInvalidCaptcha},
		{name: "invalid", token: "t", assessor: &fakeAssessor{assessment: &Assessment{Valid: false, InvalidReason: "MALFORMED"}}, code: apierr.CodeInvalidCaptcha},
		{name: "wrong action", token: "t", assessor: &fakeAssessor{assessment: &Assessment{Valid: true, Action: "login", Score: 0.9}}, code: apierr.CodeInvalidCaptcha},
		{name: "low score", token: "t", assessor: &fakeAssessor{assessment: &Assessment{Valid: true, Action: "prompt_submission", Score: 0.1}}, code: apierr.CodeFailedCaptcha},
		{name: "pass", token: "t", assessor: &fakeAssessor{assessment: &Assessment{Valid: true, Action: "prompt_submission", Score: 0.9}}},
		{name: "backend error", token: "t", assessor: &fakeAssessor{err: errors.New("unavailable")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewCaptcha(logger.Nop(), tt.assessor, cfg).Verify(context.Background(), tt.token)
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			assert.True(t, apierr.Is(err, tt.code), "got %v", err)
		})
	}
}

func TestParseJudgeAnswer(t *testing.T) {
	v, err := parseJudgeAnswer(" yes")
	require.NoError(t, err)
	assert.False(t, v.IsSafe())

	v, err = parseJudgeAnswer("Harmful request: no\nResponse refusal: no")
	require.NoError(t, err)
	assert.True(t, v.IsSafe())

	_, err = parseJudgeAnswer("maybe")
	assert.Error(t, err)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(ErrOperationNotDone))
	assert.True(t, Retryable(ErrOperationNotFound))
	assert.True(t, Retryable(errors.New("transport")))
	assert.False(t, Retryable(ErrMessageNotFound))
	assert.False(t, Retryable(nil))
}
