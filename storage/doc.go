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


// Package storage provides the storage abstraction layer for recall.
//
// FragmentRepository is the only capability the retrieval core depends on.
// Two adapters implement it:
//
//   - storage/badger: embedded BadgerDB, exact vector scan
//   - storage/postgres: PostgreSQL with the pgvector extension, HNSW index
//
// # Usage
//
// Create a repository instance:
//
//	backend, err := badger.OpenBackend("/path/to/db", false)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer backend.Close()
//	repo, err := badger.NewFragmentRepository(backend)
//
// Use in tests with in-memory storage:
//
//	repo, backend, err := badger.NewMemoryRepository()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer func() { repo.Close(); backend.Close() }()
//
// # Deduplication
//
// At most one active fragment exists per (OwnerID, ContentHash). Repeated
// ingestion of the same content is reported as a rejected record carrying the
// id of the existing fragment, never as a batch failure.
//
// # Thread Safety
//
// All repository implementations must be thread-safe and support
// concurrent access from multiple goroutines.
package storage
