package recognition

import (
	"context"
	"errors"
)

// ErrBackendUnavailable marks a transient inference failure (backend down,
// out of memory). It is the only recognizer error that triggers the bounded
// requeue policy; everything else becomes a failed result immediately.
var ErrBackendUnavailable = errors.New("inference backend unavailable")

// Prediction is the outcome of one inference call.
type Prediction struct {
	LatexCode  string
	Confidence float64
}

// Recognizer turns an image into LaTeX. Implementations wrap the actual
// model backend; the pipeline treats it as a black box.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (Prediction, error)
}
