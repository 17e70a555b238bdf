package imaging

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// Info describes a decoded input image.
type Info struct {
	Width  int
	Height int
	Format string
}

// Config for input normalization.
type Config struct {
	MaxSide int // Longest allowed side before downscaling (default 2000)
}

// DefaultConfig returns the default normalization config.
func DefaultConfig() Config {
	return Config{MaxSide: 2000}
}

// Normalizer validates raw image bytes and bounds their dimensions before
// they are handed to the inference backend.
type Normalizer struct {
	config Config
}

// NewNormalizer creates an input normalizer.
func NewNormalizer(config Config) *Normalizer {
	if config.MaxSide <= 0 {
		config.MaxSide = DefaultConfig().MaxSide
	}
	return &Normalizer{config: config}
}

// Normalize decodes the payload, reporting its dimensions and format, and
// downscales anything larger than MaxSide on either axis. Payloads that are
// not decodable images are rejected.
func (n *Normalizer) Normalize(raw []byte) ([]byte, Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, Info{}, fmt.Errorf("decode image config: %w", err)
	}

	info := Info{Width: cfg.Width, Height: cfg.Height, Format: format}

	if cfg.Width <= n.config.MaxSide && cfg.Height <= n.config.MaxSide {
		return raw, info, nil
	}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, Info{}, fmt.Errorf("decode image: %w", err)
	}

	// Bound the input the model sees; huge uploads only slow inference down.
	img = imaging.Fit(img, n.config.MaxSide, n.config.MaxSide, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, Info{}, fmt.Errorf("encode normalized image: %w", err)
	}
	return buf.Bytes(), info, nil
}
