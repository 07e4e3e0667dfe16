package observation

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// plane is a fitted point-to-plane model: unit normal n and offset d
// such that n·q + d ≈ 0 for every neighbour q (spec.md §4.3 step 4).
type plane struct {
	n r3.Vector
	d float64
}

// fitPlane solves A x = -1 in least squares (A's rows are the neighbour
// coordinates), normalises x into (n, d), and rejects the fit if any
// neighbour's residual exceeds tauPlane. Grounded on the gonum/mat
// least-squares solve in
// EZHOWWW-Multilateration/internal/multilateration/solver.go.
func fitPlane(neighbours []r3.Vector, tauPlane float64) (plane, bool) {
	n := len(neighbours)
	aData := make([]float64, n*3)
	bData := make([]float64, n)
	for i, q := range neighbours {
		aData[i*3+0] = q.X
		aData[i*3+1] = q.Y
		aData[i*3+2] = q.Z
		bData[i] = -1
	}
	a := mat.NewDense(n, 3, aData)
	b := mat.NewDense(n, 1, bData)
	var x mat.Dense
	if err := x.Solve(a, b); err != nil {
		return plane{}, false
	}
	vx, vy, vz := x.At(0, 0), x.At(1, 0), x.At(2, 0)
	norm := math.Sqrt(vx*vx + vy*vy + vz*vz)
	if norm < 1e-12 {
		return plane{}, false
	}
	pl := plane{n: r3.Vector{X: vx / norm, Y: vy / norm, Z: vz / norm}, d: 1 / norm}
	for _, q := range neighbours {
		if math.Abs(pl.n.Dot(q)+pl.d) > tauPlane {
			return plane{}, false
		}
	}
	return pl, true
}
