package observation

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lio-go/fastlio/internal/ivox"
	"github.com/lio-go/fastlio/internal/manifold"
	"github.com/lio-go/fastlio/internal/point"
)

func flatGrid() *ivox.Grid {
	g := ivox.NewGrid(0.5, ivox.Nearby26, 5)
	var pts []point.P
	for x := -2.0; x <= 2.0; x += 0.2 {
		for y := -2.0; y <= 2.0; y += 0.2 {
			pts = append(pts, point.P{Pos: r3.Vector{X: x, Y: y, Z: -1}, Frame: point.World})
		}
	}
	g.AddPoints(pts)
	return g
}

func TestEvaluateReturnsNilWhenEveryPointIsUnmatched(t *testing.T) {
	m := New(DefaultConfig())
	grid := ivox.NewGrid(0.5, ivox.Center, 5) // empty grid, nothing to match
	s := manifold.Zero()
	scan := point.Cloud{{Pos: r3.Vector{X: 0, Y: 0, Z: -1}}}
	corr := make([]Correspondence, len(scan))

	H, h, _, err := m.Evaluate(s, scan, grid, corr, true)
	require.NoError(t, err)
	assert.Nil(t, H)
	assert.Nil(t, h)
}

func TestEvaluateProducesOneRowPerSelectedPoint(t *testing.T) {
	m := New(DefaultConfig())
	grid := flatGrid()
	s := manifold.Zero()

	var scan point.Cloud
	for x := -1.0; x <= 1.0; x += 0.5 {
		scan = append(scan, point.P{Pos: r3.Vector{X: x, Y: 0, Z: -1}})
	}
	corr := make([]Correspondence, len(scan))

	H, h, _, err := m.Evaluate(s, scan, grid, corr, true)
	require.NoError(t, err)
	require.NotNil(t, H)
	assert.Equal(t, len(h), H.Rows())
	assert.Equal(t, manifold.Dim, H.Cols())
}

func TestEvaluateSkipsCorrespondenceRefreshWhenNotConverging(t *testing.T) {
	m := New(DefaultConfig())
	grid := flatGrid()
	s := manifold.Zero()
	scan := point.Cloud{{Pos: r3.Vector{X: 0, Y: 0, Z: -1}}}
	corr := make([]Correspondence, len(scan))

	// converge=false with an empty correspondence slate means nothing
	// is selected, since refresh never ran to populate it.
	H, _, _, err := m.Evaluate(s, scan, grid, corr, false)
	require.NoError(t, err)
	assert.Nil(t, H)
}
