package simscene

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpolateBracketsWaypoints(t *testing.T) {
	s := New([]Waypoint{
		{T: 0, Pos: r3.Vector{}},
		{T: 10, Pos: r3.Vector{X: 10}},
	}, ThreePlaneRoom())

	pos, _ := s.Interpolate(5)
	assert.InDelta(t, 5, pos.X, 1e-9)
}

func TestGenerateScanHitsFloorPlane(t *testing.T) {
	s := New([]Waypoint{
		{T: 0, Pos: r3.Vector{Z: 2}},
		{T: 1, Pos: r3.Vector{Z: 2}},
	}, ThreePlaneRoom())

	cloud := s.GenerateScan(0, 36, []float64{-1.2}, 50)
	require.NotEmpty(t, cloud)
	for _, p := range cloud {
		assert.LessOrEqual(t, p.Pos.Norm(), 50.0)
	}
}

func TestGenerateIMUReportsGravityWhenStationary(t *testing.T) {
	s := New([]Waypoint{
		{T: 0, Pos: r3.Vector{}},
		{T: 1, Pos: r3.Vector{}},
	}, ThreePlaneRoom())

	samples := s.GenerateIMU(0.1, 0.3, 0.1)
	require.NotEmpty(t, samples)
	for _, sample := range samples {
		assert.InDelta(t, 9.81, sample.Accel.Norm(), 0.05)
	}
}
