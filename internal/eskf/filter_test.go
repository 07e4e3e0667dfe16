package eskf

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lio-go/fastlio/internal/ivox"
	"github.com/lio-go/fastlio/internal/manifold"
	"github.com/lio-go/fastlio/internal/observation"
	"github.com/lio-go/fastlio/internal/point"
)

func TestUpdateLeavesStateUnchangedWithNoCorrespondences(t *testing.T) {
	grid := ivox.NewGrid(0.1, ivox.Center, 5)
	obs := observation.New(observation.DefaultConfig())
	f := New(DefaultConfig(), obs)

	predicted := manifold.Zero()
	cov := manifold.NewCovariance()
	for i := 0; i < manifold.Dim; i++ {
		cov.Set(i, i, 1)
	}

	scan := point.Cloud{{Pos: r3.Vector{X: 1, Y: 0, Z: 0}}}
	out, outCov, nextConverge, _, _, err := f.Update(predicted, cov, scan, grid, true)
	require.NoError(t, err)
	assert.True(t, nextConverge)
	assert.Equal(t, predicted, out)
	assert.Equal(t, cov, outCov)
}

func TestUpdateConvergesOnFlatPlane(t *testing.T) {
	grid := ivox.NewGrid(0.5, ivox.Nearby26, 5)
	var mapPts []point.P
	for x := -2.0; x <= 2.0; x += 0.2 {
		for y := -2.0; y <= 2.0; y += 0.2 {
			mapPts = append(mapPts, point.P{Pos: r3.Vector{X: x, Y: y, Z: -1}, Frame: point.World})
		}
	}
	grid.AddPoints(mapPts)

	obs := observation.New(observation.DefaultConfig())
	f := New(DefaultConfig(), obs)

	predicted := manifold.Zero()
	predicted.P = r3.Vector{Z: 1.02} // 2 cm above the true height z=1; the scan sees the z=-1 plane 2 m below
	cov := manifold.NewCovariance()
	for i := 0; i < manifold.Dim; i++ {
		cov.Set(i, i, 0.1)
	}

	var scan point.Cloud
	for x := -1.0; x <= 1.0; x += 0.25 {
		for y := -1.0; y <= 1.0; y += 0.25 {
			scan = append(scan, point.P{Pos: r3.Vector{X: x, Y: y, Z: -2.0}, Frame: point.Body})
		}
	}

	out, _, _, cond, corr, err := f.Update(predicted, cov, scan, grid, true)
	require.NoError(t, err)
	assert.Less(t, out.P.Z, predicted.P.Z, "the update should pull the height estimate toward the mapped plane")
	assert.GreaterOrEqual(t, cond, 0.0)
	require.Len(t, corr, len(scan))
	assert.True(t, corr[0].Selected, "every point over the mapped plane should have a selected correspondence")
}
