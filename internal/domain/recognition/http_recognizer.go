package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPRecognizer calls a formula-recognition inference service over HTTP.
// Connectivity problems and server-side errors surface as
// ErrBackendUnavailable so the caller can apply the bounded retry; client
// errors are deterministic and returned as-is.
type HTTPRecognizer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPRecognizer(baseURL string, timeout time.Duration) *HTTPRecognizer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPRecognizer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type recognizeResponse struct {
	LatexCode  string  `json:"latex_code"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error"`
}

func (r *HTTPRecognizer) Recognize(ctx context.Context, image []byte) (Prediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/recognize", bytes.NewReader(image))
	if err != nil {
		return Prediction{}, fmt.Errorf("build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := r.client.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: read response: %v", ErrBackendUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		return Prediction{}, fmt.Errorf("%w: inference service returned %d", ErrBackendUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Prediction{}, fmt.Errorf("inference rejected input: %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out recognizeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Prediction{}, fmt.Errorf("decode inference response: %w", err)
	}
	if out.Error != "" {
		return Prediction{}, fmt.Errorf("inference failed: %s", out.Error)
	}

	return Prediction{LatexCode: out.LatexCode, Confidence: out.Confidence}, nil
}
