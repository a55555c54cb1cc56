package ai

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyInput is returned when a blank text is submitted for embedding.
	ErrEmptyInput = errors.New("empty input text")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid ai config")
	// ErrEmbeddingCount is returned when a provider answers with the wrong number of vectors.
	ErrEmbeddingCount = errors.New("embedding count mismatch")
)

// CheckInputs returns ErrEmptyInput naming the first blank text, if any.
func CheckInputs(texts []string) error {
	for i, text := range texts {
		if IsBlank(text) {
			return fmt.Errorf("%w: text at index %d", ErrEmptyInput, i)
		}
	}
	return nil
}

// IsBlank reports whether text has no non-whitespace characters.
func IsBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}
