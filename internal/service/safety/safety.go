package safety

import (
	"context"
	"errors"

	"olmoplayground/internal/models"
)

// Verdict is the outcome of one safety check.
type Verdict struct {
	Safe       bool
	Violations []string
}

func (v Verdict) IsSafe() bool { return v.Safe }

func Safe() Verdict { return Verdict{Safe: true} }

func Unsafe(violations ...string) Verdict { return Verdict{Safe: false, Violations: violations} }

type TextChecker interface {
	CheckText(ctx context.Context, content string) (Verdict, error)
}

type ImageChecker interface {
	CheckImage(ctx context.Context, file models.UploadedFile) (Verdict, error)
}

// VideoSubmitter starts asynchronous video analysis and later reads its result.
type VideoSubmitter interface {
	Submit(ctx context.Context, gcsURI string) (string, error)
	CheckOperation(ctx context.Context, name string) (Verdict, error)
}

// Async video outcomes. ErrOperationNotDone and ErrOperationNotFound are
// retryable; ErrMessageNotFound is permanent.
var (
	ErrOperationNotDone  = errors.New("video operation not done")
	ErrOperationNotFound = errors.New("video operation not found")
	ErrMessageNotFound   = errors.New("message not found for video check")
)

// Retryable reports whether a video job should be re-enqueued after err.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrMessageNotFound) {
		return false
	}
	return true
}
