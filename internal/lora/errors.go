package lora

import "errors"

var (
	ErrDuplicateAdapter = errors.New("adapter name already in use")
	ErrUnknownAdapter   = errors.New("unknown adapter name")
	ErrShapeShrink      = errors.New("adapter input dimension smaller than module input dimension")
	ErrNoTargets        = errors.New("no modules matched the adapter target patterns")
	ErrNoAdapters       = errors.New("no adapter loaded")
)
