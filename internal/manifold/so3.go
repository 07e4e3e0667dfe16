// Package manifold implements the 23-dimensional product manifold of
// the filter state: SO(3) rotations composed with Euclidean blocks and
// a 2-DoF sphere for gravity, with the ⊞ (retraction) and ⊟
// (difference) operators the IESKF needs every iteration.
//
// Rotation composition and conjugation are grounded on
// github.com/westphae/quaternion, the same library the teacher's
// ahrs package uses for its own Tait-Bryan/quaternion round-trip
// tests. Exp/Log of the rotation itself are hand-rolled: the library
// exposes only quaternion algebra (Prod, Conj), not an exponential
// map, and the axis-angle formulas below are the standard ones.
package manifold

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/westphae/quaternion"
)

// IdentityQuat returns the identity rotation.
func IdentityQuat() quaternion.Quaternion {
	return quaternion.Quaternion{W: 1}
}

// ExpSO3 maps a rotation-vector (axis * angle, rad) to a unit quaternion.
func ExpSO3(w r3.Vector) quaternion.Quaternion {
	theta := w.Norm()
	if theta < 1e-10 {
		// Small-angle: first-order expansion keeps normalize() cheap.
		return NormalizeQuat(quaternion.Quaternion{W: 1, X: w.X / 2, Y: w.Y / 2, Z: w.Z / 2})
	}
	half := theta / 2
	s := math.Sin(half) / theta
	return quaternion.Quaternion{W: math.Cos(half), X: w.X * s, Y: w.Y * s, Z: w.Z * s}
}

// LogSO3 maps a unit quaternion to its rotation-vector representation.
func LogSO3(q quaternion.Quaternion) r3.Vector {
	q = NormalizeQuat(q)
	vnorm := math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z)
	if vnorm < 1e-10 {
		return r3.Vector{X: 2 * q.X, Y: 2 * q.Y, Z: 2 * q.Z}
	}
	w := q.W
	if w > 1 {
		w = 1
	} else if w < -1 {
		w = -1
	}
	theta := 2 * math.Atan2(vnorm, w)
	s := theta / vnorm
	return r3.Vector{X: q.X * s, Y: q.Y * s, Z: q.Z * s}
}

// NormalizeQuat rescales q to unit norm, guarding against the zero quaternion.
func NormalizeQuat(q quaternion.Quaternion) quaternion.Quaternion {
	n := math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
	if n < 1e-15 {
		return quaternion.Quaternion{W: 1}
	}
	return quaternion.Quaternion{W: q.W / n, X: q.X / n, Y: q.Y / n, Z: q.Z / n}
}

// ComposeSO3 returns q1 followed by q2 applied in the world frame, i.e. q2*q1.
func ComposeSO3(q1, q2 quaternion.Quaternion) quaternion.Quaternion {
	return NormalizeQuat(quaternion.Prod(q2, q1))
}

// InverseSO3 returns the conjugate (== inverse for a unit quaternion).
func InverseSO3(q quaternion.Quaternion) quaternion.Quaternion {
	return q.Conj()
}

// Rotate applies q to vector v: v' = q * v * conj(q).
func Rotate(q quaternion.Quaternion, v r3.Vector) r3.Vector {
	vq := quaternion.Quaternion{X: v.X, Y: v.Y, Z: v.Z}
	r := quaternion.Prod(q, vq, q.Conj())
	return r3.Vector{X: r.X, Y: r.Y, Z: r.Z}
}

// ToMatrix returns the 3x3 rotation matrix equivalent of q as row vectors.
func ToMatrix(q quaternion.Quaternion) [3]r3.Vector {
	w, x, y, z := q.W, q.X, q.Y, q.Z
	return [3]r3.Vector{
		{X: 1 - 2*(y*y+z*z), Y: 2 * (x*y - w*z), Z: 2 * (x*z + w*y)},
		{X: 2 * (x*y + w*z), Y: 1 - 2*(x*x+z*z), Z: 2 * (y*z - w*x)},
		{X: 2 * (x*z - w*y), Y: 2 * (y*z + w*x), Z: 1 - 2*(x*x+y*y)},
	}
}

// Skew returns the skew-symmetric cross-product matrix of v as row vectors.
func Skew(v r3.Vector) [3]r3.Vector {
	return [3]r3.Vector{
		{X: 0, Y: -v.Z, Z: v.Y},
		{X: v.Z, Y: 0, Z: -v.X},
		{X: -v.Y, Y: v.X, Z: 0},
	}
}

// MulMatVec applies a 3x3 matrix (row vectors) to v.
func MulMatVec(m [3]r3.Vector, v r3.Vector) r3.Vector {
	return r3.Vector{X: m[0].Dot(v), Y: m[1].Dot(v), Z: m[2].Dot(v)}
}

// TransposeMat returns the transpose of a 3x3 matrix given as row vectors.
func TransposeMat(m [3]r3.Vector) [3]r3.Vector {
	return [3]r3.Vector{
		{X: m[0].X, Y: m[1].X, Z: m[2].X},
		{X: m[0].Y, Y: m[1].Y, Z: m[2].Y},
		{X: m[0].Z, Y: m[1].Z, Z: m[2].Z},
	}
}

// RightJacobianInvSO3 approximates J_r^{-1}(phi), the inverse right
// Jacobian of SO(3), used to map a rotation-tangent error onto the
// manifold Jacobian J_t in the IESKF update (spec.md §4.4 step b).
func RightJacobianInvSO3(phi r3.Vector) [3]r3.Vector {
	theta := phi.Norm()
	if theta < 1e-8 {
		return [3]r3.Vector{{X: 1}, {Y: 1}, {Z: 1}}
	}
	skew := Skew(phi)
	a := 1 / (theta * theta)
	b := (1 + math.Cos(theta)) / (2 * theta * math.Sin(theta))
	eye := [3]r3.Vector{{X: 1}, {Y: 1}, {Z: 1}}
	skew2 := mulMat(skew, skew)
	out := [3]r3.Vector{}
	for i := 0; i < 3; i++ {
		out[i] = r3.Vector{
			X: eye[i].X + 0.5*index(skew, i, 0) + (a-b)*index(skew2, i, 0),
			Y: eye[i].Y + 0.5*index(skew, i, 1) + (a-b)*index(skew2, i, 1),
			Z: eye[i].Z + 0.5*index(skew, i, 2) + (a-b)*index(skew2, i, 2),
		}
	}
	return out
}

func index(m [3]r3.Vector, i, j int) float64 {
	row := m[i]
	switch j {
	case 0:
		return row.X
	case 1:
		return row.Y
	default:
		return row.Z
	}
}

func mulMat(a, b [3]r3.Vector) [3]r3.Vector {
	var out [3]r3.Vector
	bt := TransposeMat(b)
	for i := 0; i < 3; i++ {
		out[i] = r3.Vector{X: a[i].Dot(bt[0]), Y: a[i].Dot(bt[1]), Z: a[i].Dot(bt[2])}
	}
	return out
}
