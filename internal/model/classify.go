package model

import (
	"math"

	"github.com/pkg/errors"
)

// Classify picks the class with the highest finite score. Ties go to the
// lowest index and the score is reported as-is, without renormalization.
func Classify(vector PredictionVector, classes []string) (*ClassificationResult, error) {
	if len(vector) != len(classes) || len(classes) == 0 {
		return nil, &ClassCountMismatchError{Got: len(vector), Want: len(classes)}
	}

	maxIdx := -1
	var maxVal float64
	for i, val := range vector {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			continue
		}
		if maxIdx < 0 || val > maxVal {
			maxVal = val
			maxIdx = i
		}
	}
	if maxIdx < 0 {
		return nil, &MalformedResponseError{Cause: errors.New("prediction vector holds no finite scores")}
	}

	return &ClassificationResult{
		Class:      classes[maxIdx],
		Confidence: maxVal,
	}, nil
}
