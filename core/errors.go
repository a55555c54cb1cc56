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

import "errors"

// Domain validation errors
var (
	// ErrInvalidFragment indicates a Fragment failed validation.
	ErrInvalidFragment = errors.New("invalid fragment")

	// ErrInvalidMetadata indicates fragment metadata failed validation.
	ErrInvalidMetadata = errors.New("invalid metadata")

	// ErrInvalidChunkIndex indicates ChunkIndex is not below TotalChunks.
	ErrInvalidChunkIndex = errors.New("chunk index must be less than total chunks")

	// ErrInvalidStatus indicates an unknown Status value.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrMissingVector indicates non-blank content without an embedding.
	ErrMissingVector = errors.New("non-blank content requires a vector")

	// ErrDimensionMismatch indicates vectors of different lengths were combined.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrCorruptRecord indicates a stored record could not be decoded.
	ErrCorruptRecord = errors.New("corrupt record")
)
