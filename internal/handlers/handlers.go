package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/pkg/errors"

	"github.com/Brownie44l1/blight-api/internal/model"
)

// Classifier turns an uploaded image into a class label.
type Classifier interface {
	Classify(ctx context.Context, upload []byte) (*model.ClassificationResult, error)
}

type Handler struct {
	classifier     Classifier
	maxUploadBytes int64
	logger         *slog.Logger
}

func NewHandler(classifier Classifier, maxUploadBytes int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		classifier:     classifier,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

// Root is the liveness endpoint.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"message": "Hello, World!"}, http.StatusOK)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "healthy"}, http.StatusOK)
}

// Predict classifies the multipart upload in the "file" field.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, "Upload too large", http.StatusRequestEntityTooLarge)
			return
		}
		respondError(w, "Failed to parse form", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, "No image file provided. Use 'file' as the form field name", http.StatusBadRequest)
		return
	}
	defer file.Close()

	upload, err := io.ReadAll(file)
	if err != nil {
		respondError(w, "Failed to read file", http.StatusBadRequest)
		return
	}

	h.logger.InfoContext(r.Context(), "received upload", "filename", header.Filename, "bytes", len(upload))

	result, err := h.classifier.Classify(r.Context(), upload)
	if err != nil {
		status, message := statusFor(err)
		h.logger.ErrorContext(r.Context(), "prediction failed", "status", status, "err", err)
		respondError(w, message, status)
		return
	}

	h.logger.InfoContext(r.Context(), "prediction", "class", result.Class, "confidence", result.Confidence)
	respondJSON(w, result, http.StatusOK)
}

// statusFor maps pipeline failures to a response status and client message.
func statusFor(err error) (int, string) {
	var (
		decodeErr   *model.DecodeError
		unavailable *model.BackendUnavailableError
		malformed   *model.MalformedResponseError
		mismatch    *model.ClassCountMismatchError
	)
	switch {
	case errors.As(err, &decodeErr):
		return http.StatusBadRequest, "Invalid image: " + decodeErr.Error()
	case errors.Is(err, model.ErrInputShape):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.As(err, &unavailable):
		return http.StatusBadGateway, "Prediction backend unavailable"
	case errors.As(err, &malformed):
		return http.StatusBadGateway, "Prediction backend returned a malformed response"
	case errors.As(err, &mismatch):
		return http.StatusInternalServerError, mismatch.Error()
	default:
		return http.StatusInternalServerError, "Prediction failed"
	}
}

// respondJSON encodes before writing the header so an unencodable value
// becomes a 500 instead of an empty body.
func respondJSON(w http.ResponseWriter, data any, status int) {
	body, err := json.Marshal(data)
	if err != nil {
		slog.Error("encode response", "err", err)
		status = http.StatusInternalServerError
		body = []byte(`{"error":"Failed to encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, map[string]string{"error": message}, status)
}
