// Package observation implements the point-to-plane measurement model
// (spec.md §4.3): world-frame point transform, iVox correspondence
// lookup, plane fit, residual/validity gating, and Jacobian-row
// assembly, with the two data-parallel fan-outs spec.md §5 and §9
// call for built on golang.org/x/sync/errgroup.
package observation

import (
	"math"

	"github.com/golang/geo/r3"
	matrix "github.com/skelterjohn/go.matrix"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/lio-go/fastlio/internal/ivox"
	"github.com/lio-go/fastlio/internal/manifold"
	"github.com/lio-go/fastlio/internal/point"
)

// chunkSize is the per-goroutine work granularity for both fan-outs
// (spec.md §9 "chunk size tuned to ~1k points").
const chunkSize = 1000

// Config names the tunables spec.md §4.3 and §9 call out explicitly.
type Config struct {
	KMatch                int     // required neighbour count, default 5
	KMin                  int     // minimum neighbour count to attempt a fit, default 3
	TauPlane              float64 // plane-fit acceptance threshold, default 0.1
	RangeGateRatio        float64 // the "81" in the 9x signal-to-noise gate (spec.md §9 open question i)
	ExtrinsicEstimateOnline bool  // default false (spec.md §9 note iii)
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{KMatch: 5, KMin: 3, TauPlane: 0.1, RangeGateRatio: 81}
}

// Correspondence is the per-source-point correspondence record of
// spec.md §3, reused and mutated across IESKF iterations.
type Correspondence struct {
	Neighbours []r3.Vector
	Normal     r3.Vector
	D          float64
	Residual   float64
	Selected   bool
}

// Model evaluates H, h for a given state iterate against a scan and map.
type Model struct {
	cfg Config
}

// New constructs an observation Model.
func New(cfg Config) *Model {
	return &Model{cfg: cfg}
}

// Evaluate implements spec.md §4.3's per-point procedure across the
// scan, honouring the converge flag's refresh-vs-reuse semantics from
// spec.md §4.3 step 2 / §4.4 step e: converge==true means "refresh
// correspondences now", converge==false reuses what corr already holds.
// eskf.Filter.Update passes its caller's flag into the first iteration
// of a bundle and true into every later one, since it returns as soon
// as a step is small.
func (m *Model) Evaluate(s manifold.State, scanBody point.Cloud, grid *ivox.Grid, corr []Correspondence, converge bool) (H *matrix.DenseMatrix, h []float64, conditionNumber float64, err error) {
	n := len(scanBody)
	if len(corr) != n {
		panic("observation: correspondence slice must match scan length")
	}
	worldPts := make([]r3.Vector, n)
	rot := manifold.ToMatrix(s.R)
	rli := manifold.ToMatrix(s.RLI)

	if ferr := parallelFor(n, func(i int) error {
		liFrame := manifold.MulMatVec(rli, scanBody[i].Pos).Add(s.TLI)
		worldPts[i] = manifold.MulMatVec(rot, liFrame).Add(s.P)
		return nil
	}); ferr != nil {
		return nil, nil, 0, ferr
	}

	if converge {
		if ferr := parallelFor(n, func(i int) error {
			m.refreshCorrespondence(worldPts[i], grid, &corr[i])
			return nil
		}); ferr != nil {
			return nil, nil, 0, ferr
		}
	}

	rows := make([][]float64, n)
	hs := make([]float64, n)
	valid := make([]bool, n)

	if ferr := parallelFor(n, func(i int) error {
		ok := corr[i].Selected
		if !ok {
			return nil
		}
		r := worldPts[i].Dot(corr[i].Normal) + corr[i].D
		// Rejects far-range, high-residual outliers (spec.md §4.3 step 5,
		// §9 open question i: the "81" ratio is configurable here).
		if scanBody[i].Pos.Norm2() <= m.cfg.RangeGateRatio*r*r {
			return nil
		}
		rows[i] = m.jacobianRow(s, scanBody[i].Pos, corr[i].Normal, rli, rot)
		hs[i] = -r
		corr[i].Residual = r
		valid[i] = true
		return nil
	}); ferr != nil {
		return nil, nil, 0, ferr
	}

	mCount := 0
	for _, v := range valid {
		if v {
			mCount++
		}
	}
	if mCount == 0 {
		return nil, nil, 0, nil
	}

	H = matrix.Zeros(mCount, manifold.Dim)
	h = make([]float64, mCount)
	row := 0
	for i := 0; i < n; i++ {
		if !valid[i] {
			continue
		}
		for c, v := range rows[i] {
			H.Set(row, c, v)
		}
		h[row] = hs[i]
		row++
	}

	conditionNumber = conditionNumberOf(H)
	return H, h, conditionNumber, nil
}

// refreshCorrespondence implements spec.md §4.3 steps 2-4: query iVox,
// gate on K_min, fit a plane, and mark selection.
func (m *Model) refreshCorrespondence(worldPt r3.Vector, grid *ivox.Grid, c *Correspondence) {
	neighbourPts := grid.GetClosestPoint(worldPt, m.cfg.KMatch)
	if len(neighbourPts) < m.cfg.KMin {
		c.Selected = false
		return
	}
	ns := make([]r3.Vector, len(neighbourPts))
	for i, p := range neighbourPts {
		ns[i] = p.Pos
	}
	pl, ok := fitPlane(ns, m.cfg.TauPlane)
	if !ok {
		c.Selected = false
		return
	}
	c.Neighbours = ns
	c.Normal = pl.n
	c.D = pl.d
	c.Selected = true
}

// jacobianRow packs one H row per spec.md §4.3's formula:
// [n; A=skew(R_LI p_b + t_LI)*R^T n; B=skew(p_b)*R_LI^T*R^T n; C=R^T n]
// with B, C zeroed when extrinsic online estimation is disabled.
func (m *Model) jacobianRow(s manifold.State, pBody r3.Vector, normal r3.Vector, rli, rot [3]r3.Vector) []float64 {
	row := make([]float64, manifold.Dim)
	row[manifold.IP+0] = normal.X
	row[manifold.IP+1] = normal.Y
	row[manifold.IP+2] = normal.Z

	liFrame := manifold.MulMatVec(rli, pBody).Add(s.TLI)
	rtN := manifold.MulMatVec(manifold.TransposeMat(rot), normal)
	a := manifold.MulMatVec(manifold.Skew(liFrame), rtN)
	row[manifold.IR+0] = a.X
	row[manifold.IR+1] = a.Y
	row[manifold.IR+2] = a.Z

	if m.cfg.ExtrinsicEstimateOnline {
		rliTrtN := manifold.MulMatVec(manifold.TransposeMat(rli), rtN)
		b := manifold.MulMatVec(manifold.Skew(pBody), rliTrtN)
		row[manifold.IRLI+0] = b.X
		row[manifold.IRLI+1] = b.Y
		row[manifold.IRLI+2] = b.Z
		row[manifold.ITLI+0] = rtN.X
		row[manifold.ITLI+1] = rtN.Y
		row[manifold.ITLI+2] = rtN.Z
	}
	return row
}

// conditionNumberOf computes √(λmax/(λmin+1e-7)) of C^T C where C is
// the top-left 3x3 (translation) block of H^T H restricted to H's
// first six columns (spec.md §4.3 "Convergence diagnostic").
func conditionNumberOf(h *matrix.DenseMatrix) float64 {
	rows := h.Rows()
	c := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			var sum float64
			for r := 0; r < rows; r++ {
				sum += h.Get(r, manifold.IP+i) * h.Get(r, manifold.IP+j)
			}
			c.SetSym(i, j, sum)
		}
	}
	ctc := mat.NewSymDense(3, nil)
	ctc.SymOuterK(1, c)
	var eig mat.EigenSym
	if !eig.Factorize(ctc, false) {
		return math.Inf(1)
	}
	vals := eig.Values(nil)
	lambdaMin, lambdaMax := vals[0], vals[0]
	for _, v := range vals {
		if v < lambdaMin {
			lambdaMin = v
		}
		if v > lambdaMax {
			lambdaMax = v
		}
	}
	return math.Sqrt(lambdaMax / (lambdaMin + 1e-7))
}

// parallelFor runs f over [0,n) using errgroup, chunked at ~chunkSize
// points per goroutine, each goroutine writing only to disjoint output
// slots (spec.md §5 "no shared mutation except disjoint output-vector
// slots indexed by point index").
func parallelFor(n int, f func(i int) error) error {
	if n == 0 {
		return nil
	}
	var g errgroup.Group
	for start := 0; start < n; start += chunkSize {
		end := start + chunkSize
		if end > n {
			end = n
		}
		start, end := start, end
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := f(i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}
