package lidardecode

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lio-go/fastlio/internal/config"
)

func TestNewRejectsUnrecognisedLidarType(t *testing.T) {
	cfg := config.Default()
	cfg.Preprocess.LidarType = config.LidarType("BOGUS")
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestDecodeDropsBlindRangeAndDecimates(t *testing.T) {
	cfg := config.Default()
	cfg.Preprocess.Blind = 1.0
	cfg.Preprocess.TimeScale = 1.0
	cfg.PointFilterNum = 2
	cfg.Preprocess.LidarType = config.AVIA

	dec, err := New(cfg)
	require.NoError(t, err)

	raw := []RawPoint{
		{Pos: r3.Vector{X: 0.1}, Offset: 0},       // inside blind range, dropped
		{Pos: r3.Vector{X: 5}, Offset: 0.001},      // outside blind range, but index 1 -> 1%2==1, dropped by decimation
		{Pos: r3.Vector{X: 6}, Offset: 0.002},      // index 2 -> kept
		{Pos: r3.Vector{X: 7}, Offset: 0.003},      // index 3 -> dropped
	}
	out := dec.Decode(raw)
	require.Len(t, out, 1)
	assert.InDelta(t, 6, out[0].Pos.X, 1e-9)
}
