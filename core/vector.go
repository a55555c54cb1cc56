package core

import (
	"fmt"
	"math"
)

// CosineSimilarity returns dot(a,b) / (|a| * |b|).
// The result is 0 when either vector has zero norm.
// It panics if the vectors differ in length, which means embeddings of
// different dimensions ended up in the same collection.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		panic(fmt.Sprintf("%v: %d != %d", ErrDimensionMismatch, len(a), len(b)))
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp rounding noise so identical vectors never exceed 1.
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return float32(sim)
}

// NormalizeVector returns a unit-length copy of v.
// A zero vector normalizes to a zero vector.
func NormalizeVector(v []float32) []float32 {
	if len(v) == 0 {
		return v
	}

	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	result := make([]float32, len(v))
	if sumSquares == 0 {
		return result
	}

	magnitude := math.Sqrt(sumSquares)
	for i, val := range v {
		result[i] = float32(float64(val) / magnitude)
	}
	return result
}
