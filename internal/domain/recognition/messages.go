package recognition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/formulatex/formulatex-api/internal/pkg/validator"
)

// DispatchMessage instructs one worker to process one task. Field names are
// the wire contract shared with the inference tier.
type DispatchMessage struct {
	TaskID    string  `json:"task_id" validate:"required,uuid4"`
	UserID    string  `json:"user_id" validate:"required,uuid4"`
	ImageData string  `json:"image_data" validate:"required,base64"`
	Filename  string  `json:"filename" validate:"required"`
	ModelID   string  `json:"model_id" validate:"required,uuid4"`
	Timestamp float64 `json:"timestamp"`
}

// ImageInfo describes the decoded dispatch payload.
type ImageInfo struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
}

// ResultMessage carries a worker's outcome for one task. It is immutable
// once published; correlation is by task_id.
type ResultMessage struct {
	TaskID         string    `json:"task_id" validate:"required,uuid4"`
	UserID         string    `json:"user_id" validate:"required,uuid4"`
	WorkerID       string    `json:"worker_id" validate:"required"`
	Timestamp      time.Time `json:"timestamp"`
	ProcessingTime float64   `json:"processing_time"`
	Success        bool      `json:"success"`
	LatexCode      *string   `json:"latex_code"`
	Confidence     *float64  `json:"confidence"`
	Error          *string   `json:"error"`
	ImageInfo      ImageInfo `json:"image_info"`
}

// DecodeDispatchMessage parses and validates a dispatch envelope. Unknown
// fields and schema violations are rejected before anything reaches the
// state machine.
func DecodeDispatchMessage(body []byte) (*DispatchMessage, error) {
	var msg DispatchMessage
	if err := decodeStrict(body, &msg); err != nil {
		return nil, fmt.Errorf("decode dispatch message: %w", err)
	}
	if errs := validator.Validate(msg); errs != nil {
		return nil, fmt.Errorf("invalid dispatch message: %s", formatFieldErrors(errs))
	}
	return &msg, nil
}

// DecodeResultMessage parses and validates a result envelope.
func DecodeResultMessage(body []byte) (*ResultMessage, error) {
	var msg ResultMessage
	if err := decodeStrict(body, &msg); err != nil {
		return nil, fmt.Errorf("decode result message: %w", err)
	}
	if errs := validator.Validate(msg); errs != nil {
		return nil, fmt.Errorf("invalid result message: %s", formatFieldErrors(errs))
	}
	return &msg, nil
}

func encodeDispatchMessage(msg *DispatchMessage) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode dispatch message: %w", err)
	}
	return body, nil
}

func decodeStrict(body []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func formatFieldErrors(errs map[string]string) string {
	fields := make([]string, 0, len(errs))
	for field := range errs {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, field+": "+errs[field])
	}
	return strings.Join(parts, "; ")
}
