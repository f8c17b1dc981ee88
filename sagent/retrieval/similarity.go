package retrieval

import "gonum.org/v1/gonum/floats"

// cosine returns the cosine similarity of a and b, 0 when either is a zero
// vector or the lengths differ.
func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

// cosineWithNorm reuses a precomputed norm for the stored vector.
func cosineWithNorm(q []float64, qNorm float64, v []float64, vNorm float64) float64 {
	if len(q) != len(v) || qNorm == 0 || vNorm == 0 {
		return 0
	}
	return floats.Dot(q, v) / (qNorm * vNorm)
}
