// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateMetadata validates fragment metadata at the ingestion boundary.
//
// Validation rules:
//   - OwnerID is required
//   - identifiers, source, tags and custom entries are length bounded
//   - Custom holds at most 32 entries
//   - ChunkIndex < TotalChunks when TotalChunks is set
func ValidateMetadata(m *Metadata) error {
	if m == nil {
		return fmt.Errorf("%w: metadata is nil", ErrInvalidMetadata)
	}

	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Namespace()+" ("+fe.Tag()+")")
			}
			return fmt.Errorf("%w: %s", ErrInvalidMetadata, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %w", ErrInvalidMetadata, err)
	}

	if m.TotalChunks > 0 && m.ChunkIndex >= m.TotalChunks {
		return fmt.Errorf("%w: %w (%d >= %d)", ErrInvalidMetadata, ErrInvalidChunkIndex, m.ChunkIndex, m.TotalChunks)
	}

	return nil
}

// ValidateFragment validates a Fragment before it is persisted.
//
// NOT validated:
//   - ID (0 asks the store to assign one)
//   - vector dimension (checked across a batch by the ingestion pipeline)
func ValidateFragment(f *Fragment) error {
	if f == nil {
		return fmt.Errorf("%w: fragment is nil", ErrInvalidFragment)
	}

	if err := ValidateMetadata(&f.Metadata); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFragment, err)
	}

	if f.Status != StatusActive && f.Status != StatusDeleted {
		return fmt.Errorf("%w: %w: value %d", ErrInvalidFragment, ErrInvalidStatus, f.Status)
	}

	if !f.IsBlank() && len(f.Vector) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidFragment, ErrMissingVector)
	}

	if f.ContentHash != ContentHash(f.Content) {
		return fmt.Errorf("%w: content hash does not match content", ErrInvalidFragment)
	}

	return nil
}
