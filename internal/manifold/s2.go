package manifold

import (
	"math"

	"github.com/golang/geo/r3"
)

// GravityMagnitude is the nominal |g|, m/s^2, the S2 retraction holds fixed.
const GravityMagnitude = 9.81

// s2Basis returns two vectors orthonormal to g and to each other, spanning
// the 2-dimensional tangent space of the sphere of radius |g| at g.
func s2Basis(g r3.Vector) (b1, b2 r3.Vector) {
	n := g.Normalize()
	ref := r3.Vector{X: 0, Y: 0, Z: 1}
	if math.Abs(n.Dot(ref)) > 0.9 {
		ref = r3.Vector{X: 1, Y: 0, Z: 0}
	}
	b1 = n.Cross(ref).Normalize()
	b2 = n.Cross(b1).Normalize()
	return
}

// BoxplusS2 retracts g along the sphere by the 2-vector delta (spec.md §3:
// "g has magnitude close to 9.81 m/s^2 after convergence" — the retraction
// preserves |g| exactly, leaving only direction to estimate).
func BoxplusS2(g r3.Vector, delta [2]float64) r3.Vector {
	norm := g.Norm()
	if norm < 1e-9 {
		norm = GravityMagnitude
		g = r3.Vector{Z: -GravityMagnitude}
	}
	b1, b2 := s2Basis(g)
	u := b1.Mul(delta[0]).Add(b2.Mul(delta[1]))
	theta := u.Norm()
	n := g.Mul(1 / norm)
	if theta < 1e-10 {
		return n.Mul(norm)
	}
	dir := n.Mul(math.Cos(theta)).Add(u.Mul(math.Sin(theta) / theta))
	return dir.Mul(norm)
}

// BoxminusS2 is the inverse of BoxplusS2: the 2-vector that retracts the
// reference gravity g0 onto g1.
func BoxminusS2(g1, g0 r3.Vector) [2]float64 {
	n0 := g0.Normalize()
	n1 := g1.Normalize()
	cosTheta := n0.Dot(n1)
	if cosTheta > 1 {
		cosTheta = 1
	} else if cosTheta < -1 {
		cosTheta = -1
	}
	theta := math.Acos(cosTheta)
	b1, b2 := s2Basis(g0)
	if theta < 1e-10 {
		return [2]float64{0, 0}
	}
	tangent := n1.Sub(n0.Mul(cosTheta))
	tn := tangent.Norm()
	if tn < 1e-12 {
		return [2]float64{0, 0}
	}
	tangent = tangent.Mul(theta / tn)
	return [2]float64{tangent.Dot(b1), tangent.Dot(b2)}
}
