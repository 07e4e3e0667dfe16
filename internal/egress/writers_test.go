package egress

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lio-go/fastlio/internal/manifold"
	"github.com/lio-go/fastlio/internal/pipeline"
	"github.com/lio-go/fastlio/internal/point"
)

type nopWriteCloser struct{ *bytes.Buffer }

func (nopWriteCloser) Close() error { return nil }

func TestTrajectoryWriterEmitsOneLinePerPose(t *testing.T) {
	var buf bytes.Buffer
	tw := NewTrajectoryWriter(&buf)
	pose := pipeline.Pose{P: r3.Vector{X: 1, Y: 2, Z: 3}, R: manifold.IdentityQuat()}
	tw.EmitPose(0.5, pose)
	tw.EmitPose(0.6, pose)
	require.NoError(t, tw.Flush())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "0.500000")
}

func TestPCDWriterEmitsHeaderAndPoints(t *testing.T) {
	var buf bytes.Buffer
	cloud := point.Cloud{
		{Pos: r3.Vector{X: 1, Y: 2, Z: 3}, Intensity: 10},
		{Pos: r3.Vector{X: 4, Y: 5, Z: 6}, Intensity: 20},
	}
	require.NoError(t, PCDWriter{}.WriteASCII(&buf, cloud))

	out := buf.String()
	assert.Contains(t, out, "POINTS 2")
	assert.Contains(t, out, "DATA ascii")
}

func TestPCDBatcherFlushesOnlyEveryInterval(t *testing.T) {
	var opened []*bytes.Buffer
	open := func(index int) (io.WriteCloser, error) {
		buf := &bytes.Buffer{}
		opened = append(opened, buf)
		return nopWriteCloser{buf}, nil
	}
	b := NewPCDBatcher(open, 3)

	one := point.Cloud{{Pos: r3.Vector{X: 1}}}
	require.NoError(t, b.Add(one))
	require.NoError(t, b.Add(one))
	assert.Empty(t, opened, "must not flush before interval scans have accumulated")

	require.NoError(t, b.Add(one))
	require.Len(t, opened, 1, "must flush exactly at the interval")
	assert.Contains(t, opened[0].String(), "POINTS 3")

	require.NoError(t, b.Add(one))
	require.NoError(t, b.Close())
	require.Len(t, opened, 2, "Close must flush whatever never reached a full interval")
	assert.Contains(t, opened[1].String(), "POINTS 1")
}

func TestPCDBatcherCloseIsANoOpWhenNothingPending(t *testing.T) {
	var opened int
	open := func(index int) (io.WriteCloser, error) {
		opened++
		return nopWriteCloser{&bytes.Buffer{}}, nil
	}
	b := NewPCDBatcher(open, 3)
	require.NoError(t, b.Close())
	assert.Zero(t, opened)
}
