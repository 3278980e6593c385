package safety

import (
	"context"
	"fmt"
	"strings"
	"time"

	videointelligence "cloud.google.com/go/videointelligence/apiv1"
	vipb "cloud.google.com/go/videointelligence/apiv1/videointelligencepb"
	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"olmoplayground/internal/gcp"
	"olmoplayground/internal/logger"
	"olmoplayground/internal/models"
)

// VisionChecker runs Cloud Vision SafeSearch over uploaded images.
type VisionChecker struct {
	log    *logger.Logger
	client *vision.ImageAnnotatorClient
}

func NewVisionChecker(ctx context.Context, log *logger.Logger) (*VisionChecker, error) {
	c, err := vision.NewImageAnnotatorClient(ctx, gcp.ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	return &VisionChecker{log: log.With("service", "safety.VisionChecker"), client: c}, nil
}

func (v *VisionChecker) Close() error {
	if v == nil || v.client == nil {
		return nil
	}
	return v.client.Close()
}

func (v *VisionChecker) CheckImage(ctx context.Context, file models.UploadedFile) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req := &visionpb.AnnotateImageRequest{
		Image: &visionpb.Image{Content: file.Data},
		Features: []*visionpb.Feature{
			{Type: visionpb.Feature_SAFE_SEARCH_DETECTION},
		},
	}
	resp, err := v.client.BatchAnnotateImages(ctx, &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{req},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("vision BatchAnnotateImages: %w", err)
	}
	if len(resp.GetResponses()) == 0 {
		return Verdict{}, fmt.Errorf("vision returned no responses")
	}
	r := resp.GetResponses()[0]
	if r.GetError() != nil {
		return Verdict{}, fmt.Errorf("vision: %s", r.GetError().GetMessage())
	}
	ss := r.GetSafeSearchAnnotation()
	if ss == nil {
		return Safe(), nil
	}
	var violations []string
	if likely(ss.GetAdult()) {
		violations = append(violations, "adult")
	}
	if likely(ss.GetViolence()) {
		violations = append(violations, "violence")
	}
	if likely(ss.GetRacy()) {
		violations = append(violations, "racy")
	}
	if len(violations) > 0 {
		return Unsafe(violations...), nil
	}
	return Safe(), nil
}

func likely(l visionpb.Likelihood) bool {
	return l == visionpb.Likelihood_LIKELY || l == visionpb.Likelihood_VERY_LIKELY
}

// VideoChecker submits EXPLICIT_CONTENT_DETECTION operations and reads them
// back by name.
type VideoChecker struct {
	log    *logger.Logger
	client *videointelligence.Client
}

func NewVideoChecker(ctx context.Context, log *logger.Logger) (*VideoChecker, error) {
	c, err := videointelligence.NewClient(ctx, gcp.ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("videointelligence client: %w", err)
	}
	return &VideoChecker{log: log.With("service", "safety.VideoChecker"), client: c}, nil
}

func (v *VideoChecker) Close() error {
	if v == nil || v.client == nil {
		return nil
	}
	return v.client.Close()
}

func (v *VideoChecker) Submit(ctx context.Context, gcsURI string) (string, error) {
	if !strings.HasPrefix(gcsURI, "gs://") {
		return "", fmt.Errorf("gcsURI must be gs://... got %q", gcsURI)
	}
	op, err := v.client.AnnotateVideo(ctx, &vipb.AnnotateVideoRequest{
		InputUri: gcsURI,
		Features: []vipb.Feature{vipb.Feature_EXPLICIT_CONTENT_DETECTION},
	})
	if err != nil {
		return "", fmt.Errorf("videointelligence AnnotateVideo: %w", err)
	}
	v.log.Debug("video check submitted", "operation", op.Name(), "uri", gcsURI)
	return op.Name(), nil
}

func (v *VideoChecker) CheckOperation(ctx context.Context, name string) (Verdict, error) {
	op := v.client.AnnotateVideoOperation(name)
	resp, err := op.Poll(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Verdict{}, fmt.Errorf("%w: %s", ErrOperationNotFound, name)
		}
		return Verdict{}, fmt.Errorf("poll %s: %w", name, err)
	}
	if !op.Done() || resp == nil {
		return Verdict{}, ErrOperationNotDone
	}
	return explicitVerdict(resp), nil
}

func explicitVerdict(resp *vipb.AnnotateVideoResponse) Verdict {
	for _, ar := range resp.GetAnnotationResults() {
		for _, frame := range ar.GetExplicitAnnotation().GetFrames() {
			l := frame.GetPornographyLikelihood()
			if l == vipb.Likelihood_LIKELY || l == vipb.Likelihood_VERY_LIKELY {
				return Unsafe("explicit_content")
			}
		}
	}
	return Safe()
}
