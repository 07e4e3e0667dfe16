package observation

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFitPlaneRecoversHorizontalPlane(t *testing.T) {
	pts := []r3.Vector{
		{X: 0, Y: 0, Z: 2},
		{X: 1, Y: 0, Z: 2},
		{X: 0, Y: 1, Z: 2},
		{X: -1, Y: -1, Z: 2},
		{X: 1, Y: -1, Z: 2},
	}
	pl, ok := fitPlane(pts, 0.05)
	require.True(t, ok)
	assert.InDelta(t, 1, abs(pl.n.Z), 1e-6)
	for _, p := range pts {
		assert.InDelta(t, 0, pl.n.Dot(p)+pl.d, 1e-6)
	}
}

func TestFitPlaneRejectsNonPlanarPoints(t *testing.T) {
	pts := []r3.Vector{
		{X: 0, Y: 0, Z: 0},
		{X: 1, Y: 0, Z: 5},
		{X: 0, Y: 1, Z: -5},
		{X: 1, Y: 1, Z: 0},
	}
	_, ok := fitPlane(pts, 0.05)
	assert.False(t, ok)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
