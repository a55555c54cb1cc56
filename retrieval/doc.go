// Package retrieval chooses how to search for a query and degrades
// gracefully when that choice fails.
//
// A Retriever runs each request through a small state machine:
//
//	idle -> analyzing -> relevance_only | diversity_only | hybrid -> annotated -> done
//
// Any error, panic or timeout in the analyzing or strategy states moves the
// request to failed and then to fallback_relevance, which runs a plain
// similarity search under the caller's context. Retrieve therefore always
// returns a list, possibly empty, and never an error.
//
// The Analyzer rates query complexity and specificity from lexical signals
// and recommends a Strategy. Resolve turns a strategy into concrete search
// parameters and Merge combines the two legs of a hybrid retrieval.
package retrieval
