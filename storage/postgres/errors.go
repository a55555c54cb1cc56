package postgres

import "errors"

var (
	ErrDBRequired       = errors.New("database handle is required")
	ErrInvalidDimension = errors.New("vector dimension must be positive")
)
