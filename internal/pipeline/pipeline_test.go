package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/blight-api/internal/imaging"
	"github.com/Brownie44l1/blight-api/internal/model"
)

type mockPredictor struct {
	calls       atomic.Int32
	predictions []model.PredictionVector
	err         error
	lastShape   []int
	mu          sync.Mutex
}

func (m *mockPredictor) Predict(ctx context.Context, batch model.Batch) ([]model.PredictionVector, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.lastShape = batch.Shape()
	m.mu.Unlock()
	return m.predictions, m.err
}

type recordingObserver struct {
	mu      sync.Mutex
	stages  []string
	classes []string
}

func (o *recordingObserver) ObserveStage(stage string, d time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages = append(o.stages, stage)
}

func (o *recordingObserver) ObserveClass(class string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.classes = append(o.classes, class)
}

func leafPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 30, G: uint8(100 + x), B: 20, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestClassify(t *testing.T) {
	predictor := &mockPredictor{predictions: []model.PredictionVector{{0.01, 0.02, 0.97}}}
	observer := &recordingObserver{}
	p := New(imaging.Decoder{}, predictor, model.DefaultClasses, observer, nil)

	result, err := p.Classify(context.Background(), leafPNG(t, 4, 3))
	require.NoError(t, err)

	assert.Equal(t, &model.ClassificationResult{Class: "Healthy", Confidence: 0.97}, result)
	assert.Equal(t, []int{1, 3, 4, 3}, predictor.lastShape)
	assert.Equal(t, []string{"decode", "batch", "predict", "classify"}, observer.stages)
	assert.Equal(t, []string{"Healthy"}, observer.classes)
}

func TestClassifyEmptyUploadSkipsBackend(t *testing.T) {
	predictor := &mockPredictor{predictions: []model.PredictionVector{{1, 0, 0}}}
	p := New(imaging.Decoder{}, predictor, model.DefaultClasses, nil, nil)

	result, err := p.Classify(context.Background(), []byte{})
	assert.Nil(t, result)

	var decodeErr *model.DecodeError
	require.True(t, errors.As(err, &decodeErr), "got %v", err)
	assert.Zero(t, predictor.calls.Load())
}

func TestClassifyPropagatesBackendErrors(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{
			name: "unavailable",
			err:  &model.BackendUnavailableError{StatusCode: 500, Cause: errors.New("boom")},
			check: func(err error) bool {
				var target *model.BackendUnavailableError
				return errors.As(err, &target) && target.StatusCode == 500
			},
		},
		{
			name: "malformed",
			err:  &model.MalformedResponseError{Cause: errors.New("no predictions")},
			check: func(err error) bool {
				var target *model.MalformedResponseError
				return errors.As(err, &target)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(imaging.Decoder{}, &mockPredictor{err: tt.err}, model.DefaultClasses, nil, nil)

			result, err := p.Classify(context.Background(), leafPNG(t, 2, 2))
			assert.Nil(t, result)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}
}

func TestClassifyCountMismatch(t *testing.T) {
	predictor := &mockPredictor{predictions: []model.PredictionVector{{0.3, 0.7}}}
	p := New(imaging.Decoder{}, predictor, model.DefaultClasses, nil, nil)

	result, err := p.Classify(context.Background(), leafPNG(t, 2, 2))
	assert.Nil(t, result)

	var mismatch *model.ClassCountMismatchError
	assert.True(t, errors.As(err, &mismatch), "got %v", err)
}

func TestClassifyNoPredictions(t *testing.T) {
	p := New(imaging.Decoder{}, &mockPredictor{}, model.DefaultClasses, nil, nil)

	_, err := p.Classify(context.Background(), leafPNG(t, 2, 2))

	var malformed *model.MalformedResponseError
	assert.True(t, errors.As(err, &malformed), "got %v", err)
}

func TestClassifyResizesBeforeBatching(t *testing.T) {
	predictor := &mockPredictor{predictions: []model.PredictionVector{{0.2, 0.7, 0.1}}}
	p := New(imaging.Decoder{ResizeWidth: 8, ResizeHeight: 8}, predictor, model.DefaultClasses, nil, nil)

	result, err := p.Classify(context.Background(), leafPNG(t, 3, 5))
	require.NoError(t, err)

	assert.Equal(t, "Late Blight", result.Class)
	assert.Equal(t, []int{1, 8, 8, 3}, predictor.lastShape)
}

func TestClassifyConcurrent(t *testing.T) {
	predictor := &mockPredictor{predictions: []model.PredictionVector{{0.8, 0.1, 0.1}}}
	p := New(imaging.Decoder{}, predictor, model.DefaultClasses, nil, nil)
	upload := leafPNG(t, 6, 6)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := p.Classify(context.Background(), upload)
			if assert.NoError(t, err) {
				assert.Equal(t, "Early Blight", result.Class)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(16), predictor.calls.Load())
}
