package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// HTTPFactory loads engines on a whisper HTTP service.
//
// API:
//
//	POST   {apiURL}/api/whisper/load        JSON {model, device, compute_type} -> {"id": handle}
//	POST   {apiURL}/api/whisper/transcribe  multipart audio, model=<handle>, language, response_format=json
//	DELETE {apiURL}/api/whisper/load/{id}
//	GET    {apiURL}/api/whisper/model       health
//
// 503 and 507 responses mean the host lacks memory or capacity.
type HTTPFactory struct {
	apiURL     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPFactory creates a factory for the service at apiURL.
// The client timeout covers the longest chunk; per-call timeouts use the context.
func NewHTTPFactory(apiURL string, logger *slog.Logger) *HTTPFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPFactory{
		apiURL:     strings.TrimRight(apiURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Minute},
		logger:     logger.With("component", "whisper_http"),
	}
}

func (f *HTTPFactory) Name() string { return "http" }

type loadRequest struct {
	Model       string `json:"model"`
	Device      string `json:"device"`
	ComputeType string `json:"compute_type"`
}

type loadResponse struct {
	ID string `json:"id"`
}

// Load asks the service to load c and returns an engine bound to the handle.
func (f *HTTPFactory) Load(ctx context.Context, c Candidate) (Engine, error) {
	payload, err := json.Marshal(loadRequest{Model: c.Model, Device: c.Device, ComputeType: c.Precision})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.apiURL+"/api/whisper/load", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create load request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("load request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError("load "+c.String(), resp); err != nil {
		return nil, err
	}

	var lr loadResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("failed to parse load response: %w", err)
	}
	if lr.ID == "" {
		return nil, fmt.Errorf("load %s: service returned empty model id", c)
	}

	f.logger.Debug("model loaded", "candidate", c.String(), "id", lr.ID)
	return &HTTPEngine{factory: f, candidate: c, id: lr.ID}, nil
}

// HTTPEngine is a model loaded on the HTTP service.
type HTTPEngine struct {
	factory   *HTTPFactory
	candidate Candidate
	id        string
}

func (e *HTTPEngine) Name() string         { return "http" }
func (e *HTTPEngine) Candidate() Candidate { return e.candidate }

// Transcribe uploads audioPath as multipart/form-data and parses the JSON result.
func (e *HTTPEngine) Transcribe(ctx context.Context, audioPath string, options *TranscribeOptions) (*TranscriptionResult, error) {
	if options == nil {
		options = &TranscribeOptions{}
	}
	if options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.Timeout)
		defer cancel()
	}

	file, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("audio", filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("failed to copy file data: %w", err)
	}

	fields := [][2]string{
		{"model", e.id},
		{"response_format", "json"},
		{"temperature", strconv.FormatFloat(options.Temperature, 'f', 1, 64)},
	}
	if options.Language != "" {
		fields = append(fields, [2]string{"language", options.Language})
	}
	if options.Prompt != "" {
		fields = append(fields, [2]string{"prompt", options.Prompt})
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("failed to write %s field: %w", f[0], err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.factory.apiURL+"/api/whisper/transcribe", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := e.factory.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError("transcribe", resp); err != nil {
		return nil, err
	}

	var result TranscriptionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse JSON response: %w", err)
	}
	if result.Segments == nil {
		result.Segments = []TranscriptionSegment{}
	}
	return &result, nil
}

// HealthCheck verifies that the service answers on its model endpoint.
func (e *HTTPEngine) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.factory.apiURL+"/api/whisper/model", nil)
	if err != nil {
		return false, fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := e.factory.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return true, nil
	}
	return false, fmt.Errorf("health check failed: status %d", resp.StatusCode)
}

// Close unloads the model. A missing model counts as unloaded.
func (e *HTTPEngine) Close(ctx context.Context) error {
	endpoint := e.factory.apiURL + "/api/whisper/load/" + url.PathEscape(e.id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := e.factory.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("unload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return statusError("unload", resp)
}

func statusError(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(bodyBytes))
	switch resp.StatusCode {
	case http.StatusServiceUnavailable, http.StatusInsufficientStorage:
		return fmt.Errorf("%s: %w: status %d: %s", op, ErrResourceUnavailable, resp.StatusCode, msg)
	default:
		return fmt.Errorf("%s: API returned status %d: %s", op, resp.StatusCode, msg)
	}
}
