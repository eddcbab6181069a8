package labels

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

const sampleResponse = `{
	"@type": "type.googleapis.com/google.cloud.videointelligence.v1.AnnotateVideoResponse",
	"annotationResults": [{
		"inputUri": "/originals/clip.mp4",
		"segmentLabelAnnotations": [
			{"entity": {"description": "Dog"}},
			{"entity": {"description": "beach "}}
		],
		"shotLabelAnnotations": [
			{"entity": {"description": "dog"}},
			{"entity": {"description": "Ocean"}}
		]
	}]
}`

type fakeAnnotator struct {
	mu        sync.Mutex
	startErr  error
	pollsLeft int
	response  string
	pollErr   error
	cancelled []string
}

func (f *fakeAnnotator) Start(_ context.Context, _ string) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	return "projects/p/locations/us-east1/operations/42", nil
}

func (f *fakeAnnotator) Poll(ctx context.Context, _ string) (bool, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return false, nil, f.pollErr
	}
	if f.pollsLeft < 0 {
		return false, nil, nil
	}
	if f.pollsLeft > 0 {
		f.pollsLeft--
		return false, nil, nil
	}
	return true, []byte(f.response), nil
}

func (f *fakeAnnotator) Cancel(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, name)
	return nil
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{"Sunset", " beach", "sunset", "", "  ", "BEACH", "dog"})
	assert.Equal(t, []string{"beach", "dog", "sunset"}, got)
}

func TestNormalizeTags_Empty(t *testing.T) {
	assert.Empty(t, NormalizeTags(nil))
}

func TestFallbackTags_Sorted(t *testing.T) {
	assert.Equal(t, NormalizeTags(FallbackTags), FallbackTags)
}

func TestParseResponse(t *testing.T) {
	tags, err := ParseResponse([]byte(sampleResponse))
	require.NoError(t, err)
	assert.Equal(t, []string{"beach", "dog", "ocean"}, tags)
}

func TestParseResponse_ResultError(t *testing.T) {
	_, err := ParseResponse([]byte(`{"annotationResults":[{"error":{"message":"unsupported codec"}}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported codec")
}

func TestExtractTags_Success(t *testing.T) {
	a := &fakeAnnotator{pollsLeft: 2, response: sampleResponse}
	e := NewExtractor(a, time.Second, time.Millisecond, nil)

	res := e.ExtractTags(context.Background(), "gs://originals/clip.mp4")
	assert.NoError(t, res.Err)
	assert.False(t, res.Synthetic)
	assert.Equal(t, []string{"beach", "dog", "ocean"}, res.Tags)
}

func TestExtractTags_TimeoutFallsBackAndCancels(t *testing.T) {
	a := &fakeAnnotator{pollsLeft: -1}
	e := NewExtractor(a, 20*time.Millisecond, 5*time.Millisecond, nil)

	res := e.ExtractTags(context.Background(), "gs://originals/clip.mp4")
	assert.True(t, res.Synthetic)
	assert.Equal(t, FallbackTags, res.Tags)
	assert.Error(t, res.Err)

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Equal(t, []string{"projects/p/locations/us-east1/operations/42"}, a.cancelled)
}

func TestExtractTags_StartErrorFallsBack(t *testing.T) {
	a := &fakeAnnotator{startErr: errors.New("permission denied")}
	e := NewExtractor(a, time.Second, time.Millisecond, nil)

	res := e.ExtractTags(context.Background(), "gs://originals/clip.mp4")
	assert.True(t, res.Synthetic)
	assert.Equal(t, []string{"uncategorized", "video"}, res.Tags)
	assert.ErrorContains(t, res.Err, "permission denied")
}

func TestExtractTags_EmptyLabelsFallBack(t *testing.T) {
	a := &fakeAnnotator{response: `{"annotationResults":[{}]}`}
	e := NewExtractor(a, time.Second, time.Millisecond, nil)

	res := e.ExtractTags(context.Background(), "gs://originals/clip.mp4")
	assert.True(t, res.Synthetic)
	assert.NoError(t, res.Err)
	assert.Equal(t, FallbackTags, res.Tags)
}

func TestExtractTags_FallbackIsACopy(t *testing.T) {
	a := &fakeAnnotator{startErr: errors.New("boom")}
	e := NewExtractor(a, time.Second, time.Millisecond, nil)

	res := e.ExtractTags(context.Background(), "gs://originals/clip.mp4")
	res.Tags[0] = "mutated"
	assert.Equal(t, "uncategorized", FallbackTags[0])
}

func TestGoogleAnnotator_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "videos:annotate"):
			_, _ = w.Write([]byte(`{"name":"projects/p/locations/us-east1/operations/42"}`))
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "operations/42"):
			_, _ = w.Write([]byte(`{"name":"projects/p/locations/us-east1/operations/42","done":true,"response":` + sampleResponse + `}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a, err := NewGoogleAnnotator(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)

	e := NewExtractor(a, time.Second, time.Millisecond, nil)
	res := e.ExtractTags(context.Background(), "gs://originals/clip.mp4")
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"beach", "dog", "ocean"}, res.Tags)
}

func TestGoogleAnnotator_StartAndCancelRequests(t *testing.T) {
	var mu sync.Mutex
	var annotateBody string
	var cancelPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "videos:annotate"):
			var sb strings.Builder
			_, _ = io.Copy(&sb, r.Body)
			annotateBody = sb.String()
			_, _ = w.Write([]byte(`{"name":"projects/p/locations/us-east1/operations/7"}`))
		case strings.HasSuffix(r.URL.Path, ":cancel"):
			cancelPath = r.URL.Path
			_, _ = w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a, err := NewGoogleAnnotator(context.Background(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)

	name, err := a.Start(context.Background(), "gs://originals/clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, "projects/p/locations/us-east1/operations/7", name)

	require.NoError(t, a.Cancel(context.Background(), name))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, annotateBody, `"inputUri":"gs://originals/clip.mp4"`)
	assert.Contains(t, annotateBody, `"LABEL_DETECTION"`)
	assert.True(t, strings.HasSuffix(cancelPath, "operations/7:cancel"), cancelPath)
}

func TestDisabled_ReturnsFallback(t *testing.T) {
	res := Disabled{}.ExtractTags(context.Background(), "gs://originals/a.mp4")
	assert.Equal(t, FallbackTags, res.Tags)
	assert.True(t, res.Synthetic)
	assert.Error(t, res.Err)
}
