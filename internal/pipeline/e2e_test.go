package pipeline

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lio-go/fastlio/internal/config"
	"github.com/lio-go/fastlio/internal/manifold"
	"github.com/lio-go/fastlio/internal/simscene"
	"github.com/lio-go/fastlio/internal/sync2"
)

// testElevations is wider than cmd/lio-odom's own ±0.2 rad scan fan,
// wide enough to see all three of simscene.ThreePlaneRoom's planes from
// the room's interior.
var testElevations = []float64{-0.5, -0.25, 0, 0.25, 0.5}

// runScene feeds scene through a fresh, started Driver at the given
// rates for duration seconds, draining every ready bundle as it goes,
// the same drive loop cmd/lio-odom's runThreePlaneRoom uses.
func runScene(t *testing.T, scene *simscene.Scene, cfg config.Config, elevations []float64, duration, scanHz, imuHz float64) (*Driver, *fakeEgress) {
	t.Helper()
	eg := &fakeEgress{}
	d := New(cfg, eg, nil)
	d.Start()

	imuDt := 1 / imuHz
	scanDt := 1 / scanHz
	nextScan := 0.0
	for tt := scene.BeginTime(); tt < duration; tt += imuDt {
		for _, s := range scene.GenerateIMU(tt, tt+imuDt, imuDt) {
			d.FeedIMU(s)
		}
		if tt >= nextScan {
			cloud := scene.GenerateScan(tt, 360, elevations, cfg.Mapping.DetRange)
			d.FeedScan(sync2.Scan{T: tt, Cloud: cloud})
			nextScan += scanDt
		}
		for {
			ok, err := d.Step()
			require.NoError(t, err)
			if !ok {
				break
			}
		}
	}
	return d, eg
}

// TestScenarioStaticPlatformStaysNearOrigin is §8(a): a sensor that
// never moves must settle with a small bounded drift, not wander.
func TestScenarioStaticPlatformStaysNearOrigin(t *testing.T) {
	scene := simscene.New([]simscene.Waypoint{
		{T: 0, Pos: r3.Vector{Z: 1}, Rot: r3.Vector{}},
		{T: 2, Pos: r3.Vector{Z: 1}, Rot: r3.Vector{}},
	}, simscene.ThreePlaneRoom())

	d, eg := runScene(t, scene, config.Default(), testElevations, 2, 10, 200)
	require.NotEmpty(t, eg.poses)

	final := d.State()
	assert.InDelta(t, 0, final.P.X, 0.2, "a static platform must not drift meaningfully in X")
	assert.InDelta(t, 0, final.P.Y, 0.2, "a static platform must not drift meaningfully in Y")
	assert.InDelta(t, 0, final.P.Z, 0.2, "a static platform must not drift meaningfully in Z")
}

// TestScenarioYawTracking is §8(b): a pure-yaw sweep must be recovered
// in the settled orientation.
func TestScenarioYawTracking(t *testing.T) {
	const targetYaw = 0.3 // radians, well under a quarter turn per bundle
	scene := simscene.New([]simscene.Waypoint{
		{T: 0, Pos: r3.Vector{Z: 1}, Rot: r3.Vector{}},
		{T: 2, Pos: r3.Vector{Z: 1}, Rot: r3.Vector{Z: targetYaw}},
	}, simscene.ThreePlaneRoom())

	d, eg := runScene(t, scene, config.Default(), testElevations, 2, 10, 200)
	require.NotEmpty(t, eg.poses)

	rotVec := manifold.LogSO3(d.State().R)
	assert.InDelta(t, targetYaw, rotVec.Z, 0.2, "settled yaw must track the commanded sweep")
}

// TestScenarioStraightLineTranslation is §8(c): a straight run along
// one axis must be recovered in the settled position.
func TestScenarioStraightLineTranslation(t *testing.T) {
	scene := simscene.New([]simscene.Waypoint{
		{T: 0, Pos: r3.Vector{Z: 1}, Rot: r3.Vector{}},
		{T: 2, Pos: r3.Vector{X: 2, Z: 1}, Rot: r3.Vector{}},
	}, simscene.ThreePlaneRoom())

	d, eg := runScene(t, scene, config.Default(), testElevations, 2, 10, 200)
	require.NotEmpty(t, eg.poses)

	final := d.State()
	assert.InDelta(t, 2, final.P.X, 0.3, "settled position must track the commanded translation")
	assert.InDelta(t, 0, final.P.Y, 0.3)
}

// TestScenarioTimestampRegressionDoesNotBreakTheDriver is §8(d): a
// regressed scan or IMU sample arriving mid-run must clear the
// synchroniser's buffers (spec.md §4.5) without the driver erroring or
// getting stuck, and the driver must keep producing poses once fresh,
// monotone data resumes.
func TestScenarioTimestampRegressionDoesNotBreakTheDriver(t *testing.T) {
	scene := simscene.New([]simscene.Waypoint{
		{T: 0, Pos: r3.Vector{Z: 1}, Rot: r3.Vector{}},
		{T: 4, Pos: r3.Vector{X: 1, Z: 1}, Rot: r3.Vector{}},
	}, simscene.ThreePlaneRoom())

	eg := &fakeEgress{}
	d := New(config.Default(), eg, nil)
	d.Start()

	imuDt := 1.0 / 200
	scanDt := 1.0 / 10
	nextScan := 0.0
	for tt := 0.0; tt < 1.5; tt += imuDt {
		for _, s := range scene.GenerateIMU(tt, tt+imuDt, imuDt) {
			d.FeedIMU(s)
		}
		if tt >= nextScan {
			d.FeedScan(sync2.Scan{T: tt, Cloud: scene.GenerateScan(tt, 360, testElevations, config.Default().Mapping.DetRange)})
			nextScan += scanDt
		}
		for {
			ok, err := d.Step()
			require.NoError(t, err)
			if !ok {
				break
			}
		}
	}
	callsBeforeRegression := eg.odometryCalls
	require.Greater(t, callsBeforeRegression, 0, "the driver must have settled at least one pose before the regression")

	// A stray, out-of-order scan, as if a clock jumped backwards; this
	// must clear the synchroniser's buffers (spec.md §4.5) rather than
	// corrupt the next bundle.
	d.FeedScan(sync2.Scan{T: 0.2, Cloud: scene.GenerateScan(0.2, 360, testElevations, config.Default().Mapping.DetRange)})
	for {
		ok, err := d.Step()
		require.NoError(t, err)
		if !ok {
			break
		}
	}

	// Resume monotone, fresh data past the regression.
	for tt := 1.5; tt < 4; tt += imuDt {
		for _, s := range scene.GenerateIMU(tt, tt+imuDt, imuDt) {
			d.FeedIMU(s)
		}
		if tt >= nextScan {
			d.FeedScan(sync2.Scan{T: tt, Cloud: scene.GenerateScan(tt, 360, testElevations, config.Default().Mapping.DetRange)})
			nextScan += scanDt
		}
		for {
			ok, err := d.Step()
			require.NoError(t, err)
			if !ok {
				break
			}
		}
	}
	assert.Greater(t, eg.odometryCalls, callsBeforeRegression, "the driver must keep settling poses once monotone data resumes")
}

// TestScenarioSinglePlaneIsDegenerate is §8(e): a scan that only ever
// sees one plane (no constraint across the other two translation
// axes) must report a markedly worse condition number than a scan
// seeing all three.
func TestScenarioSinglePlaneIsDegenerate(t *testing.T) {
	waypoints := []simscene.Waypoint{
		{T: 0, Pos: r3.Vector{Z: 1}, Rot: r3.Vector{}},
		{T: 1.5, Pos: r3.Vector{Z: 1}, Rot: r3.Vector{}},
	}
	floorOnly := []float64{-1.3, -1.2, -1.1}  // steeply down, floor only
	allPlanes := []float64{-0.4, 0, 0.4}      // sees floor and both walls

	scene := simscene.New(waypoints, simscene.ThreePlaneRoom())
	_, degenerate := runScene(t, scene, config.Default(), floorOnly, 1.5, 10, 200)
	_, wellConditioned := runScene(t, scene, config.Default(), allPlanes, 1.5, 10, 200)

	require.NotEmpty(t, degenerate.conditions)
	require.NotEmpty(t, wellConditioned.conditions)
	assert.Greater(t, degenerate.conditions[len(degenerate.conditions)-1], wellConditioned.conditions[len(wellConditioned.conditions)-1],
		"a single visible plane must condition worse than three orthogonal ones")
}

// TestScenarioFirstScanBootstrapParity is §8(f): the first scan after
// bootstrap completes must seed the map and advance the driver to
// Running without emitting a settled pose until spec.md §5's
// InitTime gate has elapsed, mirroring the original's
// flg_first_scan_/flg_EKF_inited_ split.
func TestScenarioFirstScanBootstrapParity(t *testing.T) {
	scene := simscene.New([]simscene.Waypoint{
		{T: 0, Pos: r3.Vector{Z: 1}, Rot: r3.Vector{}},
		{T: 1, Pos: r3.Vector{Z: 1}, Rot: r3.Vector{}},
	}, simscene.ThreePlaneRoom())

	eg := &fakeEgress{}
	d := New(config.Default(), eg, nil)
	d.Start()
	assert.Equal(t, Bootstrapping, d.Phase())

	cfg := config.Default()
	imuDt := 1.0 / 200
	scanDt := 1.0 / 10
	nextScan := 0.0
	for tt := 0.0; d.Phase() == Bootstrapping && tt < 1; tt += imuDt {
		for _, s := range scene.GenerateIMU(tt, tt+imuDt, imuDt) {
			d.FeedIMU(s)
		}
		if tt >= nextScan {
			d.FeedScan(sync2.Scan{T: tt, Cloud: scene.GenerateScan(tt, 360, testElevations, cfg.Mapping.DetRange)})
			nextScan += scanDt
		}
		for {
			ok, err := d.Step()
			require.NoError(t, err)
			if !ok {
				break
			}
		}
	}
	require.Equal(t, Running, d.Phase(), "NInit IMU samples must complete bootstrap")
	assert.Equal(t, 0, d.grid.Size(), "bootstrap must consume IMU samples without ever touching the map")
	runningSince := d.runningSince

	// Drain exactly the first Running bundle: its scan time is within
	// InitTime of runningSince, so it must seed the map without
	// egressing a pose yet.
	ok, err := d.Step()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, d.grid.Size(), 0, "the first Running bundle must seed the map even before InitTime has elapsed")
	assert.Zero(t, eg.odometryCalls, "no pose may egress until InitTime has elapsed past the Running transition")

	// Keep draining until a bundle's scan time clears InitTime; once it
	// does, a pose must egress.
	for tt := nextScan; tt < runningSince+2*InitTime; tt += imuDt {
		for _, s := range scene.GenerateIMU(tt, tt+imuDt, imuDt) {
			d.FeedIMU(s)
		}
		if tt >= nextScan {
			d.FeedScan(sync2.Scan{T: tt, Cloud: scene.GenerateScan(tt, 360, testElevations, cfg.Mapping.DetRange)})
			nextScan += scanDt
		}
		for {
			ok, err := d.Step()
			require.NoError(t, err)
			if !ok {
				break
			}
		}
	}
	assert.Greater(t, eg.odometryCalls, 0, "a pose must egress once InitTime has elapsed past the Running transition")
}
