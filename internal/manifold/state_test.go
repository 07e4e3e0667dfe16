package manifold

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
)

func TestBoxplusZeroIsIdentity(t *testing.T) {
	s := Zero()
	s.P = r3.Vector{X: 1, Y: 2, Z: 3}
	s.R = ExpSO3(r3.Vector{X: 0.1, Y: 0.2, Z: 0.05})

	out := s.Boxplus(make([]float64, Dim))

	assert.InDelta(t, s.P.X, out.P.X, 1e-12)
	assert.InDelta(t, s.P.Y, out.P.Y, 1e-12)
	assert.InDelta(t, s.P.Z, out.P.Z, 1e-12)
	assert.InDelta(t, s.R.W, out.R.W, 1e-12)
	assert.InDelta(t, s.R.X, out.R.X, 1e-12)
}

func TestBoxplusThenBoxminusRecoversDelta(t *testing.T) {
	s := Zero()
	s.P = r3.Vector{X: 1, Y: -2, Z: 0.5}

	delta := make([]float64, Dim)
	delta[IP] = 0.01
	delta[IP+1] = -0.02
	delta[IR] = 0.03
	delta[IR+2] = -0.01
	delta[IG] = 0.001
	delta[IG+1] = -0.002
	delta[IV] = 0.2

	out := s.Boxplus(delta)
	recovered := out.Boxminus(s)

	for i := range delta {
		assert.InDelta(t, delta[i], recovered[i], 1e-6, "component %d", i)
	}
}

func TestBoxplusS2PreservesGravityMagnitude(t *testing.T) {
	s := Zero()
	delta := make([]float64, Dim)
	delta[IG] = 0.05
	delta[IG+1] = -0.03
	out := s.Boxplus(delta)
	assert.InDelta(t, GravityMagnitude, out.G.Norm(), 1e-9)
}

func TestSymmetrizeInPlace(t *testing.T) {
	p := NewCovariance()
	p.Set(0, 1, 5)
	p.Set(1, 0, 1)
	SymmetrizeInPlace(p)
	assert.InDelta(t, p.Get(0, 1), p.Get(1, 0), 1e-12)
	assert.InDelta(t, 3, p.Get(0, 1), 1e-12)
}

func TestManifoldJacobianIsIdentityAtZeroOffset(t *testing.T) {
	s := Zero()
	j := ManifoldJacobian(s, s)
	for i := 0; i < Dim; i++ {
		for c := 0; c < Dim; c++ {
			want := 0.0
			if i == c {
				want = 1
			}
			assert.True(t, math.Abs(j.Get(i, c)-want) < 1e-9, "J[%d][%d]", i, c)
		}
	}
}
