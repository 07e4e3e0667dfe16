// Package eskf implements the iterated error-state Kalman filter update
// (spec.md §4.4) driving one state/covariance iterate to convergence
// against a single scan's point-to-plane observations.
package eskf

import (
	"fmt"
	"math"

	matrix "github.com/skelterjohn/go.matrix"

	"github.com/lio-go/fastlio/internal/ivox"
	"github.com/lio-go/fastlio/internal/manifold"
	"github.com/lio-go/fastlio/internal/observation"
	"github.com/lio-go/fastlio/internal/point"
)

// Config names the IESKF tunables spec.md §4.4 calls out.
type Config struct {
	MaxIteration   int     // T_max, default 4
	Epsilon        float64 // ‖δ‖∞ early-termination threshold, default 1e-3
	LaserMeasNoise float64 // scalar R for every selected plane residual, default 0.001
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{MaxIteration: 4, Epsilon: 1e-3, LaserMeasNoise: 0.001}
}

// Filter runs the IESKF update for one scan against one map.
type Filter struct {
	cfg Config
	obs *observation.Model
}

// New constructs a Filter bound to the given observation model.
func New(cfg Config, obs *observation.Model) *Filter {
	return &Filter{cfg: cfg, obs: obs}
}

// Update runs up to MaxIteration point-to-plane refinement passes
// starting from the IMU-propagated state/covariance (predicted,
// predictedCov), against grid, returning the corrected state/covariance
// and the converge flag to pass into the *next* bundle's first
// iteration (spec.md §4.4 step e). The flag is always true: the
// correspondence slice is allocated afresh on every call, so the next
// bundle always starts with fresh correspondences.
// The returned correspondence slice is the one the last iteration
// evaluated against scanBody, one entry per source point, reused by the
// caller's map-increment rule (spec.md §4.6) instead of re-querying the
// map for a nearest neighbour it has already found.
func (f *Filter) Update(predicted manifold.State, predictedCov *matrix.DenseMatrix, scanBody point.Cloud, grid *ivox.Grid, converge bool) (manifold.State, *matrix.DenseMatrix, bool, float64, []observation.Correspondence, error) {
	covInv, err := predictedCov.Inverse()
	if err != nil {
		return predicted, predictedCov, true, 0, nil, fmt.Errorf("eskf: predicted covariance is singular: %w", err)
	}
	invR := 1 / f.cfg.LaserMeasNoise

	s := predicted
	corr := make([]observation.Correspondence, len(scanBody))
	refresh := converge
	var lastLhsInv *matrix.DenseMatrix
	var lastCond float64

	for iter := 0; iter < f.cfg.MaxIteration; iter++ {
		H, h, cond, err := f.obs.Evaluate(s, scanBody, grid, corr, refresh)
		if err != nil {
			return predicted, predictedCov, true, 0, corr, err
		}
		if H == nil {
			// M=0: no usable correspondences this pass, spec.md §4.4's
			// failure mode leaves the prediction untouched.
			return predicted, predictedCov, true, 0, corr, nil
		}
		lastCond = cond

		j := manifold.ManifoldJacobian(s, predicted)
		jt := j.Transpose()
		jtPinvJ := matrix.Product(jt, matrix.Product(covInv, j))
		ht := H.Transpose()
		htRH := matrix.Scaled(matrix.Product(ht, H), invR)
		lhs := matrix.Sum(htRH, jtPinvJ)
		lhsInv, err := lhs.Inverse()
		if err != nil {
			return predicted, predictedCov, true, lastCond, corr, fmt.Errorf("eskf: normal matrix is singular: %w", err)
		}
		lastLhsInv = lhsInv

		diff := s.Boxminus(predicted)
		diffVec := matrix.MakeDenseMatrix(diff, manifold.Dim, 1)
		biasTerm := matrix.Product(jt, matrix.Product(covInv, diffVec))
		hVec := matrix.MakeDenseMatrix(h, len(h), 1)
		measTerm := matrix.Scaled(matrix.Product(ht, hVec), invR)
		rhs := matrix.Difference(measTerm, biasTerm)
		deltaMat := matrix.Product(lhsInv, rhs)

		delta := make([]float64, manifold.Dim)
		maxAbs := 0.0
		for i := 0; i < manifold.Dim; i++ {
			delta[i] = deltaMat.Get(i, 0)
			if a := math.Abs(delta[i]); a > maxAbs {
				maxAbs = a
			}
		}
		s = s.Boxplus(delta)

		if maxAbs < f.cfg.Epsilon {
			finalCov := matrix.Scaled(matrix.Sum(lastLhsInv, lastLhsInv.Transpose()), 0.5)
			manifold.SymmetrizeInPlace(finalCov)
			return s, finalCov, true, lastCond, corr, nil
		}
		refresh = true
	}

	finalCov := predictedCov
	if lastLhsInv != nil {
		finalCov = matrix.Scaled(matrix.Sum(lastLhsInv, lastLhsInv.Transpose()), 0.5)
		manifold.SymmetrizeInPlace(finalCov)
	}
	return s, finalCov, true, lastCond, corr, nil
}
