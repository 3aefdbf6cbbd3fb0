package main

import (
	"errors"

	"github.com/knoguchi/rageval/internal/config"
	"github.com/knoguchi/rageval/internal/dataset"
)

// Process exit codes. They describe the run as a whole, never a single
// example.
const (
	exitOK      = 0
	exitFailure = 1
	exitConfig  = 2
	exitData    = 3
)

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrInvalidConfig), errors.Is(err, dataset.ErrUnsupportedDataset):
		return exitConfig
	case errors.Is(err, dataset.ErrUnreadable):
		return exitData
	default:
		return exitFailure
	}
}
