package model

import "errors"

var (
	ErrModelNotFound = errors.New("model not found")
	ErrModelInactive = errors.New("model is not active")
)
