package storage

import "errors"

var (
	// ErrNotFound is returned when a position id does not exist.
	ErrNotFound = errors.New("position not found")
	// ErrPositionNotOpen is returned when an open-only operation targets a closed position.
	ErrPositionNotOpen = errors.New("position is not open")
	// ErrDuplicate is returned when a position id is reused.
	ErrDuplicate = errors.New("position already exists")
)
