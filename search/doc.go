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


// Package search executes similarity queries against a FragmentRepository.
//
// The Searcher embeds a query once, asks the store for the k nearest active
// fragments (with an over-fetched candidate pool) and optionally re-ranks a
// larger candidate set with maximal marginal relevance (MMR) to trade some
// relevance for diversity.
//
//   - FindSimilar / FindDiverse return errors
//   - Search / MMRSearch degrade to an empty result and log instead
//   - Rerank is the pure MMR selection step
//
// An AccessRecorder can be attached to count fragment accesses in the
// background without slowing down queries.
package search
