package manifold

import (
	"github.com/golang/geo/r3"
	matrix "github.com/skelterjohn/go.matrix"
	"github.com/westphae/quaternion"
)

// Dim is the tangent-space dimension of the state manifold (spec.md §3):
// p(3) + R(3) + R_LI(3) + t_LI(3) + b_g(3) + b_a(3) + v(3) + g(2) = 23.
const Dim = 23

// Column offsets of each block within the 23-wide tangent vector / Jacobian.
const (
	IP   = 0  // position
	IR   = 3  // orientation
	IRLI = 6  // extrinsic rotation
	ITLI = 9  // extrinsic translation
	IBG  = 12 // gyro bias
	IBA  = 15 // accel bias
	IG   = 18 // gravity (2-dim, S2)
	IV   = 20 // velocity
)

// State is the full 23-dim manifold point carried by the filter.
type State struct {
	P   r3.Vector             // position, world frame
	R   quaternion.Quaternion // orientation, body -> world
	RLI quaternion.Quaternion // IMU -> LiDAR extrinsic rotation
	TLI r3.Vector             // IMU -> LiDAR extrinsic translation
	Bg  r3.Vector             // gyro bias
	Ba  r3.Vector             // accel bias
	G   r3.Vector             // gravity, world frame
	V   r3.Vector             // velocity, world frame
}

// Zero returns the startup state: zero pose, identity extrinsic rotation,
// zero velocity and biases, and gravity along -z at nominal magnitude
// (spec.md §3 "created at startup with zero pose, measured gravity, zero
// velocity and biases").
func Zero() State {
	return State{
		R:   IdentityQuat(),
		RLI: IdentityQuat(),
		G:   r3.Vector{Z: -GravityMagnitude},
	}
}

// Boxplus implements s ⊞ delta for a 23-vector delta ordered as the I*
// offsets above.
func (s State) Boxplus(delta []float64) State {
	if len(delta) != Dim {
		panic("manifold: boxplus delta must have length Dim")
	}
	out := s
	out.P = s.P.Add(r3.Vector{X: delta[IP], Y: delta[IP+1], Z: delta[IP+2]})
	out.R = ComposeSO3(s.R, ExpSO3(r3.Vector{X: delta[IR], Y: delta[IR+1], Z: delta[IR+2]}))
	out.RLI = ComposeSO3(s.RLI, ExpSO3(r3.Vector{X: delta[IRLI], Y: delta[IRLI+1], Z: delta[IRLI+2]}))
	out.TLI = s.TLI.Add(r3.Vector{X: delta[ITLI], Y: delta[ITLI+1], Z: delta[ITLI+2]})
	out.Bg = s.Bg.Add(r3.Vector{X: delta[IBG], Y: delta[IBG+1], Z: delta[IBG+2]})
	out.Ba = s.Ba.Add(r3.Vector{X: delta[IBA], Y: delta[IBA+1], Z: delta[IBA+2]})
	out.G = BoxplusS2(s.G, [2]float64{delta[IG], delta[IG+1]})
	out.V = s.V.Add(r3.Vector{X: delta[IV], Y: delta[IV+1], Z: delta[IV+2]})
	return out
}

// Boxminus implements s ⊟ ref, returning the 23-vector tangent delta such
// that ref.Boxplus(delta) ≈ s.
func (s State) Boxminus(ref State) []float64 {
	d := make([]float64, Dim)
	dp := s.P.Sub(ref.P)
	d[IP], d[IP+1], d[IP+2] = dp.X, dp.Y, dp.Z

	dr := LogSO3(ComposeSO3(InverseSO3(ref.R), s.R))
	d[IR], d[IR+1], d[IR+2] = dr.X, dr.Y, dr.Z

	drli := LogSO3(ComposeSO3(InverseSO3(ref.RLI), s.RLI))
	d[IRLI], d[IRLI+1], d[IRLI+2] = drli.X, drli.Y, drli.Z

	dtli := s.TLI.Sub(ref.TLI)
	d[ITLI], d[ITLI+1], d[ITLI+2] = dtli.X, dtli.Y, dtli.Z

	dbg := s.Bg.Sub(ref.Bg)
	d[IBG], d[IBG+1], d[IBG+2] = dbg.X, dbg.Y, dbg.Z

	dba := s.Ba.Sub(ref.Ba)
	d[IBA], d[IBA+1], d[IBA+2] = dba.X, dba.Y, dba.Z

	dg := BoxminusS2(s.G, ref.G)
	d[IG], d[IG+1] = dg[0], dg[1]

	dv := s.V.Sub(ref.V)
	d[IV], d[IV+1], d[IV+2] = dv.X, dv.Y, dv.Z

	return d
}

// ManifoldJacobian computes J_t = d(s ⊟ ref)/d(delta), the manifold
// Jacobian spec.md §4.4 step (b) calls for: identity on every Euclidean
// block, the inverse right Jacobian of SO(3) on the two rotation blocks,
// and identity on the 2-dim gravity block (the S2 chart is treated as
// locally Euclidean at the linearisation point, the same approximation
// IKFoM-style filters make).
func ManifoldJacobian(s, ref State) *matrix.DenseMatrix {
	j := matrix.Eye(Dim)
	dr := LogSO3(ComposeSO3(InverseSO3(ref.R), s.R))
	setBlock3(j, IR, RightJacobianInvSO3(dr))
	drli := LogSO3(ComposeSO3(InverseSO3(ref.RLI), s.RLI))
	setBlock3(j, IRLI, RightJacobianInvSO3(drli))
	return j
}

func setBlock3(j *matrix.DenseMatrix, offset int, block [3]r3.Vector) {
	rows := []float64{}
	_ = rows
	for i := 0; i < 3; i++ {
		row := block[i]
		j.Set(offset+i, offset+0, row.X)
		j.Set(offset+i, offset+1, row.Y)
		j.Set(offset+i, offset+2, row.Z)
	}
}

// NewCovariance returns a Dim x Dim matrix of zeros, the shape every
// propagation and update step expects.
func NewCovariance() *matrix.DenseMatrix {
	return matrix.Zeros(Dim, Dim)
}

// SymmetrizeInPlace enforces P = (P + P^T)/2, the invariant testable
// property #5 checks after every propagation/update step.
func SymmetrizeInPlace(p *matrix.DenseMatrix) {
	n := p.Rows()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			avg := (p.Get(i, j) + p.Get(j, i)) / 2
			p.Set(i, j, avg)
			p.Set(j, i, avg)
		}
	}
}
