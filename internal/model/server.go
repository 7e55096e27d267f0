package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// ServerConfig describes an ONNX classifier taking a [1, H, W, C] float32
// input of raw 0-255 samples and producing one score per class.
type ServerConfig struct {
	ModelPath   string
	LibraryPath string
	InputName   string
	OutputName  string
	// InputShape is [1, H, W, C].
	InputShape []int64
	Classes    []string
}

// Server runs the classifier in-process with onnxruntime.
type Server struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputShape   []int64
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if len(cfg.InputShape) != 4 || cfg.InputShape[0] != 1 {
		return nil, fmt.Errorf("input shape must be [1, H, W, C], got %v", cfg.InputShape)
	}
	if len(cfg.Classes) == 0 {
		return nil, errors.New("no class labels configured")
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(cfg.InputShape...))
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(cfg.Classes))))
	if err != nil {
		inputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Server{
		session:      session,
		inputShape:   cfg.InputShape,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Predict copies the batch into the session input and runs the model.
// The session tensors are shared, so runs are serialized.
func (s *Server) Predict(ctx context.Context, batch Batch) ([]PredictionVector, error) {
	if err := checkShape(batch.Shape(), s.inputShape); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &BackendUnavailableError{Cause: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.inputTensor.GetData(), batch.Float32s())
	if err := s.session.Run(); err != nil {
		return nil, &BackendUnavailableError{Cause: errors.Wrap(err, "inference failed")}
	}

	outputData := s.outputTensor.GetData()
	vector := make(PredictionVector, len(outputData))
	for i, val := range outputData {
		vector[i] = float64(val)
	}
	return []PredictionVector{vector}, nil
}

func checkShape(got []int, want []int64) error {
	if len(got) != len(want) {
		return errors.Wrapf(ErrInputShape, "got %v, model expects %v", got, want)
	}
	for i := range got {
		if int64(got[i]) != want[i] {
			return errors.Wrapf(ErrInputShape, "got %v, model expects %v", got, want)
		}
	}
	return nil
}

func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inputTensor != nil {
		s.inputTensor.Destroy()
		s.inputTensor = nil
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
		s.outputTensor = nil
	}
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	ort.DestroyEnvironment()
}
