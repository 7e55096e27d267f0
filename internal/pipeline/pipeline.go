// Package pipeline runs one upload through decode, batching, prediction and
// classification.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/Brownie44l1/blight-api/internal/batch"
	"github.com/Brownie44l1/blight-api/internal/imaging"
	"github.com/Brownie44l1/blight-api/internal/model"
)

// Predictor returns one prediction vector per batch element.
type Predictor interface {
	Predict(ctx context.Context, batch model.Batch) ([]model.PredictionVector, error)
}

// Observer receives stage timings; metrics.Collector implements it.
type Observer interface {
	ObserveStage(stage string, d time.Duration, err error)
	ObserveClass(class string)
}

type Pipeline struct {
	decoder   imaging.Decoder
	predictor Predictor
	classes   []string
	observer  Observer
	logger    *slog.Logger
}

// New builds a Pipeline. The class list is copied; observer may be nil.
func New(decoder imaging.Decoder, predictor Predictor, classes []string, observer Observer, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		decoder:   decoder,
		predictor: predictor,
		classes:   append([]string(nil), classes...),
		observer:  observer,
		logger:    logger,
	}
}

// Classify runs the stages in order and returns the first error unchanged
// in kind. It keeps no state between calls and is safe for concurrent use.
func (p *Pipeline) Classify(ctx context.Context, upload []byte) (*model.ClassificationResult, error) {
	var pixels *imaging.PixelArray
	err := p.stage(ctx, "decode", func() (err error) {
		pixels, err = p.decoder.Decode(upload)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.logger.DebugContext(ctx, "decoded upload", "format", pixels.Format, "shape", pixels.Shape())

	var input *batch.Tensor
	err = p.stage(ctx, "batch", func() (err error) {
		input, err = batch.New(pixels)
		return errors.Wrap(err, "build batch")
	})
	if err != nil {
		return nil, err
	}

	var predictions []model.PredictionVector
	err = p.stage(ctx, "predict", func() (err error) {
		predictions, err = p.predictor.Predict(ctx, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(predictions) == 0 {
		return nil, &model.MalformedResponseError{Cause: errors.New("no prediction vectors returned")}
	}

	var result *model.ClassificationResult
	err = p.stage(ctx, "classify", func() (err error) {
		result, err = model.Classify(predictions[0], p.classes)
		return err
	})
	if err != nil {
		return nil, err
	}

	if p.observer != nil {
		p.observer.ObserveClass(result.Class)
	}
	p.logger.DebugContext(ctx, "classified upload", "class", result.Class, "confidence", result.Confidence)
	return result, nil
}

func (p *Pipeline) stage(ctx context.Context, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	if p.observer != nil {
		p.observer.ObserveStage(name, time.Since(start), err)
	}
	if err != nil {
		p.logger.DebugContext(ctx, "pipeline stage failed", "stage", name, "err", err)
	}
	return err
}
