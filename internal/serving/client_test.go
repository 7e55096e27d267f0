package serving

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/blight-api/internal/batch"
	"github.com/Brownie44l1/blight-api/internal/imaging"
	"github.com/Brownie44l1/blight-api/internal/model"
)

func testBatch(t *testing.T) *batch.Tensor {
	t.Helper()
	b, err := batch.New(&imaging.PixelArray{Height: 1, Width: 2, Channels: 3, Pix: []uint8{1, 2, 3, 4, 5, 6}})
	require.NoError(t, err)
	return b
}

func newClient(url string, retries int) *Client {
	return NewClient(Config{
		URL:             url,
		Timeout:         200 * time.Millisecond,
		MaxRetries:      retries,
		InitialInterval: time.Millisecond,
	}, nil, nil)
}

func TestPredictSendsInstances(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"predictions": [[0.01, 0.02, 0.97]]}`))
	}))
	defer srv.Close()

	predictions, err := newClient(srv.URL, 0).Predict(context.Background(), testBatch(t))
	require.NoError(t, err)

	require.Len(t, predictions, 1)
	assert.Equal(t, model.PredictionVector{0.01, 0.02, 0.97}, predictions[0])
	assert.Equal(t, []any{[]any{[]any{
		[]any{1.0, 2.0, 3.0},
		[]any{4.0, 5.0, 6.0},
	}}}, got["instances"])
}

func TestPredictServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, 2).Predict(context.Background(), testBatch(t))

	var unavailable *model.BackendUnavailableError
	require.True(t, errors.As(err, &unavailable), "got %v", err)
	assert.Equal(t, http.StatusInternalServerError, unavailable.StatusCode)
}

func TestPredictTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := newClient(srv.URL, 0).Predict(context.Background(), testBatch(t))

	var unavailable *model.BackendUnavailableError
	require.True(t, errors.As(err, &unavailable), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPredictConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newClient(url, 1).Predict(context.Background(), testBatch(t))

	var unavailable *model.BackendUnavailableError
	require.True(t, errors.As(err, &unavailable), "got %v", err)
	assert.Zero(t, unavailable.StatusCode)
}

func TestPredictMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>oops</html>`},
		{"missing predictions", `{"outputs": [[0.1, 0.2, 0.7]]}`},
		{"null predictions", `{"predictions": null}`},
		{"serving error", `{"error": "Input to reshape is a tensor with 12 values"}`},
		{"too many predictions", `{"predictions": [[0.1, 0.2, 0.7], [0.3, 0.3, 0.4]]}`},
		{"null vector", `{"predictions": [null]}`},
		{"empty vector", `{"predictions": [[]]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newClient(srv.URL, 3).Predict(context.Background(), testBatch(t))

			var malformed *model.MalformedResponseError
			assert.True(t, errors.As(err, &malformed), "got %v", err)
			assert.Equal(t, int32(1), calls.Load(), "malformed responses are not retried")
		})
	}
}

func TestPredictRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"predictions": [[0.5, 0.5, 0.0]]}`))
	}))
	defer srv.Close()

	predictions, err := newClient(srv.URL, 2).Predict(context.Background(), testBatch(t))
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, model.PredictionVector{0.5, 0.5, 0.0}, predictions[0])
}

func TestPredictRetriesAreBounded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, 2).Predict(context.Background(), testBatch(t))

	var unavailable *model.BackendUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, http.StatusBadGateway, unavailable.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPredictDeadlineCoversRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	client := NewClient(Config{
		URL:             srv.URL,
		Timeout:         300 * time.Millisecond,
		MaxRetries:      5,
		InitialInterval: time.Millisecond,
		Deadline:        500 * time.Millisecond,
	}, nil, nil)

	start := time.Now()
	_, err := client.Predict(context.Background(), testBatch(t))
	elapsed := time.Since(start)

	var unavailable *model.BackendUnavailableError
	require.True(t, errors.As(err, &unavailable), "got %v", err)
	assert.Less(t, elapsed, 1500*time.Millisecond, "six attempts of 300ms each would exceed the deadline")
}

func TestPredictDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, 3).Predict(context.Background(), testBatch(t))

	var unavailable *model.BackendUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, int32(1), calls.Load())
}

func TestReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models/potatodieases-model" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"model_version_status": [{"state": "AVAILABLE"}]}`))
	}))
	defer srv.Close()

	assert.NoError(t, newClient(srv.URL+"/v1/models/potatodieases-model:predict", 0).Ready(context.Background()))
	assert.Error(t, newClient(srv.URL+"/v1/models/other:predict", 0).Ready(context.Background()))
}
