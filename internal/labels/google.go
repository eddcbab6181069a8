package labels

import (
	"context"
	"fmt"

	"google.golang.org/api/option"
	videointelligence "google.golang.org/api/videointelligence/v1"

	"github.com/jonathan/video-publisher/internal/failure"
)

const featureLabelDetection = "LABEL_DETECTION"

// GoogleAnnotator runs label detection with the Video Intelligence API.
type GoogleAnnotator struct {
	svc *videointelligence.Service
}

// NewGoogleAnnotator creates an annotator using application default credentials.
func NewGoogleAnnotator(ctx context.Context, opts ...option.ClientOption) (*GoogleAnnotator, error) {
	svc, err := videointelligence.NewService(ctx, opts...)
	if err != nil {
		return nil, failure.Configuration("failed to create video intelligence client", err)
	}
	return &GoogleAnnotator{svc: svc}, nil
}

// Start submits an annotate request for the object at uri.
func (g *GoogleAnnotator) Start(ctx context.Context, uri string) (string, error) {
	op, err := g.svc.Videos.Annotate(&videointelligence.GoogleCloudVideointelligenceV1AnnotateVideoRequest{
		InputUri: uri,
		Features: []string{featureLabelDetection},
	}).Context(ctx).Do()
	if err != nil {
		return "", failure.FromGoogleAPI("annotate video", err)
	}
	return op.Name, nil
}

// Poll fetches the operation state.
func (g *GoogleAnnotator) Poll(ctx context.Context, name string) (bool, []byte, error) {
	op, err := g.svc.Projects.Locations.Operations.Get(name).Context(ctx).Do()
	if err != nil {
		return false, nil, failure.FromGoogleAPI("get operation", err)
	}
	if !op.Done {
		return false, nil, nil
	}
	if op.Error != nil {
		return true, nil, failure.Processing(fmt.Sprintf("label detection failed: %s", op.Error.Message), nil)
	}
	return true, op.Response, nil
}

// Cancel requests cancellation of the operation.
func (g *GoogleAnnotator) Cancel(ctx context.Context, name string) error {
	_, err := g.svc.Projects.Locations.Operations.Cancel(name,
		&videointelligence.GoogleLongrunningCancelOperationRequest{}).Context(ctx).Do()
	if err != nil {
		return failure.FromGoogleAPI("cancel operation", err)
	}
	return nil
}
