// Package core defines the fragment model shared by every recall package:
// fragments and their metadata, filters, content hashing, cosine similarity,
// boundary validation and the binary record layout used by embedded stores.
package core
