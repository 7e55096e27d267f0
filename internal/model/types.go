package model

// DefaultClasses are the leaf conditions the potato model was trained on,
// in output index order.
var DefaultClasses = []string{"Early Blight", "Late Blight", "Healthy"}

// PredictionVector holds one score per class, index-aligned with the class labels.
type PredictionVector []float64

type ClassificationResult struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// PredictRequest is the body sent to a tensor-serving predict route.
type PredictRequest struct {
	Instances any `json:"instances"`
}

// PredictResponse is the body returned by a tensor-serving predict route.
// Error is set by the serving process instead of Predictions on failure.
type PredictResponse struct {
	Predictions []PredictionVector `json:"predictions"`
	Error       string             `json:"error,omitempty"`
}

// Batch is a rank-4 [batch, height, width, channels] input tensor.
// MarshalJSON must emit the nested-array form tensor-serving routes accept.
type Batch interface {
	Shape() []int
	Float32s() []float32
	MarshalJSON() ([]byte, error)
}
