// Package pipeline drives one LiDAR/IMU bundle at a time through
// bootstrap, IMU propagation, de-skew, downsampling, the IESKF update,
// and incremental map growth (spec.md §5 "Pipeline driver").
package pipeline

import (
	"log/slog"
	"math"

	"github.com/golang/geo/r3"
	matrix "github.com/skelterjohn/go.matrix"
	"github.com/westphae/quaternion"

	"github.com/lio-go/fastlio/internal/config"
	"github.com/lio-go/fastlio/internal/eskf"
	"github.com/lio-go/fastlio/internal/imu"
	"github.com/lio-go/fastlio/internal/ivox"
	"github.com/lio-go/fastlio/internal/manifold"
	"github.com/lio-go/fastlio/internal/observation"
	"github.com/lio-go/fastlio/internal/point"
	"github.com/lio-go/fastlio/internal/sync2"
)

// Phase names the driver's three lifecycle states (spec.md §5).
type Phase int

const (
	Idle Phase = iota
	Bootstrapping
	Running
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Bootstrapping:
		return "bootstrapping"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// InitTime is the minimum elapsed time, once Running begins, before a
// pose is considered settled enough to emit (spec.md §5 "EKF-
// initialised gate").
const InitTime = 0.1

// MinScanPoints is the smallest scan the driver will attempt to
// process; a smaller raw scan aborts the bundle, and a smaller
// downsampled scan keeps the IMU-propagated state without an IESKF
// update, both logged (spec.md §5 "<5-point abort").
const MinScanPoints = 5

// Pose is the rigid transform spec.md §6 hands across every egress
// channel: a world-frame position and a body -> world orientation.
type Pose struct {
	P r3.Vector
	R quaternion.Quaternion
}

func poseOf(s manifold.State) Pose { return Pose{P: s.P, R: s.R} }

// Egress receives every settled pose, accumulated path, registered scan,
// and observability diagnostic the driver produces (spec.md §6).
// Odometry's cov is the 6x6 pose covariance re-ordered to
// [translation, rotation] row-major, flattened.
type Egress interface {
	Odometry(te float64, pose Pose, cov [36]float64)
	Path(poses []Pose)
	RegisteredScanWorld(pts point.Cloud)
	RegisteredScanBody(pts point.Cloud)
	ConditionNumber(c float64)
	FrameBroadcast(te float64, worldToBase Pose)
}

// Driver owns the full per-bundle state machine.
type Driver struct {
	sync    *sync2.Synchroniser
	imuProc *imu.Processor
	filter  *eskf.Filter
	grid    *ivox.Grid
	cfg     config.Config
	egress  Egress
	logger  *slog.Logger

	phase        Phase
	state        manifold.State
	cov          *matrix.DenseMatrix
	converge     bool
	runningSince float64
	firstScan    bool
	path         []Pose
}

// New constructs a Driver wired from cfg; egress may be nil.
func New(cfg config.Config, egress Egress, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	grid := ivox.NewGrid(cfg.IVoxGridResolution, modeOf(cfg.IVoxNearbyType), 0)
	obsCfg := observation.DefaultConfig()
	obsCfg.ExtrinsicEstimateOnline = cfg.Mapping.ExtrinsicEstEn
	obsCfg.TauPlane = cfg.EstiPlaneThreshold
	obs := observation.New(obsCfg)
	eskfCfg := eskf.DefaultConfig()
	eskfCfg.MaxIteration = cfg.MaxIteration
	return &Driver{
		sync:     sync2.New(logger),
		imuProc:  imu.NewProcessor(imu.NoiseConfig{GyrCov: cfg.Mapping.GyrCov, AccCov: cfg.Mapping.AccCov, BGyrCov: cfg.Mapping.BGyrCov, BAccCov: cfg.Mapping.BAccCov}),
		filter:   eskf.New(eskfCfg, obs),
		grid:     grid,
		cfg:      cfg,
		egress:   egress,
		logger:   logger,
		phase:    Idle,
		converge: true,
	}
}

func modeOf(t config.IVoxNearbyType) ivox.Mode {
	switch t {
	case 6:
		return ivox.Nearby6
	case 18:
		return ivox.Nearby18
	case 26:
		return ivox.Nearby26
	default:
		return ivox.Center
	}
}

// FeedScan enqueues a newly decoded scan.
func (d *Driver) FeedScan(sc sync2.Scan) { d.sync.PushScan(sc) }

// FeedIMU enqueues a newly arrived IMU sample.
func (d *Driver) FeedIMU(s imu.Sample) { d.sync.PushIMU(s) }

// Phase reports the driver's current lifecycle state.
func (d *Driver) Phase() Phase { return d.phase }

// State returns the driver's current best estimate.
func (d *Driver) State() manifold.State { return d.state }

// Start implements spec.md §6's start_lidar_odom control operation:
// transitions Idle to Bootstrapping. A no-op once already past Idle.
func (d *Driver) Start() {
	if d.phase == Idle {
		d.phase = Bootstrapping
		d.logger.Info("pipeline: start_lidar_odom")
	}
}

// Stop implements spec.md §6's stop_lidar_odom control operation:
// returns to Idle and clears the accumulated trajectory and map.
func (d *Driver) Stop() {
	d.phase = Idle
	d.path = nil
	d.state = manifold.State{}
	d.cov = nil
	d.converge = true
	d.grid = ivox.NewGrid(d.cfg.IVoxGridResolution, modeOf(d.cfg.IVoxNearbyType), 0)
	d.logger.Info("pipeline: stop_lidar_odom")
}

// Step pulls the next available bundle and advances the state machine
// by exactly one bundle. It returns ok=false when no bundle is ready
// yet (spec.md §4.5 "not ready"), and is also a no-op while Idle —
// Start must be called first.
func (d *Driver) Step() (ok bool, err error) {
	if d.phase == Idle {
		return false, nil
	}
	bundle, ready := d.sync.Pull()
	if !ready {
		return false, nil
	}

	switch d.phase {
	case Bootstrapping:
		return true, d.stepBootstrap(bundle)
	case Running:
		return true, d.stepRunning(bundle)
	default:
		return true, nil
	}
}

func (d *Driver) stepBootstrap(bundle sync2.Bundle) error {
	for _, s := range bundle.IMU {
		seeded, done := d.imuProc.AccumulateInit(s)
		if done {
			d.state = seeded
			d.cov = manifold.NewCovariance()
			d.phase = Running
			d.runningSince = bundle.Scan.T
			d.firstScan = true
			d.logger.Info("pipeline: bootstrap complete", "bg", seeded.Bg, "gravity", seeded.G)
			return nil
		}
	}
	return nil
}

func (d *Driver) stepRunning(bundle sync2.Bundle) error {
	if len(bundle.Scan.Cloud) < MinScanPoints {
		d.logger.Warn("pipeline: scan too small, aborting bundle", "points", len(bundle.Scan.Cloud))
		return nil
	}

	predicted, predictedCov, err := d.imuProc.Propagate(d.state, d.cov, bundle.IMU)
	if err != nil {
		return err
	}

	rli := manifold.ToMatrix(predicted.RLI)
	deskewed, err := d.imuProc.Deskew(bundle.Scan.T, bundle.Scan.Cloud, rli, predicted.TLI)
	if err != nil {
		return err
	}

	d.state, d.cov = predicted, predictedCov

	// The first post-bootstrap scan only seeds the map: it runs no
	// IESKF update and egresses nothing, mirroring
	// laser_mapping.cc:335-341's flg_first_scan_ branch.
	if d.firstScan {
		d.grid.AddPoints(deskewed)
		d.firstScan = false
		return nil
	}

	downsampled := downsample(deskewed, d.cfg.FilterSizeSurf)
	if len(downsampled) < MinScanPoints {
		d.logger.Warn("pipeline: downsampled scan too small, skipping IESKF update", "points", len(downsampled))
		return nil
	}

	newState, newCov, nextConverge, cond, corr, err := d.filter.Update(predicted, predictedCov, downsampled, d.grid, d.converge)
	if err != nil {
		return err
	}
	d.state, d.cov, d.converge = newState, newCov, nextConverge

	ekfInited := bundle.Scan.T-d.runningSince >= InitTime
	world := d.growMap(downsampled, corr, ekfInited)

	if ekfInited && d.egress != nil {
		pose := poseOf(d.state)
		d.path = append(d.path, pose)
		d.egress.ConditionNumber(cond)
		d.egress.Odometry(bundle.Scan.T, pose, poseCovariance(d.cov))
		d.egress.Path(d.path)
		d.egress.RegisteredScanBody(downsampled)
		d.egress.RegisteredScanWorld(world)
		d.egress.FrameBroadcast(bundle.Scan.T, pose)
	}
	return nil
}

// growMap transforms the matched scan into world frame at the
// corrected state and inserts it into the map, implementing spec.md
// §4.6's map-increment rule rather than relying solely on iVox's own
// generic per-voxel insertion policy (§4.1): for each point whose last
// IESKF iteration found a correspondence, compare that correspondence's
// single closest neighbour — already computed, not re-queried — against
// the centre of the σ_map-resolution voxel the point itself falls in.
// If the neighbour clears half of σ_map on every axis, the point is
// farther from anything the map already holds there than the map's own
// resolution calls for, so it is inserted unconditionally (the "no-
// need-to-downsample" lane); otherwise it falls through to AddPoints'
// existing K_match downsample policy, same as every point with no usable
// correspondence yet (confirmed against
// original_source/src/laser_mapping.cc:519-532, MapIncremental).
func (d *Driver) growMap(scanBody point.Cloud, corr []observation.Correspondence, ekfInited bool) point.Cloud {
	rot := manifold.ToMatrix(d.state.R)
	rli := manifold.ToMatrix(d.state.RLI)
	sigmaMap := d.cfg.FilterSizeMap

	world := make(point.Cloud, len(scanBody))
	var forced, regular point.Cloud
	for i, p := range scanBody {
		liFrame := manifold.MulMatVec(rli, p.Pos).Add(d.state.TLI)
		wp := p.Transform(point.World, func(r3.Vector) r3.Vector {
			return manifold.MulMatVec(rot, liFrame).Add(d.state.P)
		})
		world[i] = wp

		if ekfInited && i < len(corr) && len(corr[i].Neighbours) > 0 && farFromNearestOnAllAxes(wp.Pos, corr[i].Neighbours[0], sigmaMap) {
			forced = append(forced, wp)
		} else {
			regular = append(regular, wp)
		}
	}
	d.grid.AddPoints(regular)
	d.grid.AddPointsForce(forced)
	return world
}

// farFromNearestOnAllAxes reports whether nearest — the map's single
// closest existing point to p, already found during the IESKF update —
// clears half of sigmaMap on every axis from the centre of p's own
// σ_map-resolution voxel (spec.md §4.6's per-axis AND test).
func farFromNearestOnAllAxes(p, nearest r3.Vector, sigmaMap float64) bool {
	if sigmaMap <= 0 {
		return false
	}
	centre := voxelCentreAt(p, sigmaMap)
	dis := nearest.Sub(centre)
	half := 0.5 * sigmaMap
	return math.Abs(dis.X) > half && math.Abs(dis.Y) > half && math.Abs(dis.Z) > half
}

// voxelCentreAt computes the centre of the voxel of side sigma
// containing p, independently of any ivox.Grid — spec.md §4.6's
// map-increment rule partitions space at σ_map, a resolution distinct
// from the grid's own ivox_grid_resolution.
func voxelCentreAt(p r3.Vector, sigma float64) r3.Vector {
	return r3.Vector{
		X: (math.Floor(p.X/sigma) + 0.5) * sigma,
		Y: (math.Floor(p.Y/sigma) + 0.5) * sigma,
		Z: (math.Floor(p.Z/sigma) + 0.5) * sigma,
	}
}

// poseCovariance extracts the 6x6 position/orientation block from the
// full Dim x Dim covariance and flattens it row-major with translation
// rows/cols first, rotation second (spec.md §6 "re-ordered to
// [translation, rotation]").
func poseCovariance(cov *matrix.DenseMatrix) [36]float64 {
	var out [36]float64
	if cov == nil {
		return out
	}
	idx := [6]int{manifold.IP, manifold.IP + 1, manifold.IP + 2, manifold.IR, manifold.IR + 1, manifold.IR + 2}
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			out[i*6+j] = cov.Get(idx[i], idx[j])
		}
	}
	return out
}

// downsample keeps at most one point per voxel of side filterSize,
// the same coarse pre-match filter spec.md §4 applies before handing
// the scan to the observation model.
func downsample(cloud point.Cloud, filterSize float64) point.Cloud {
	if filterSize <= 0 {
		return cloud
	}
	seen := make(map[[3]int64]bool, len(cloud))
	out := make(point.Cloud, 0, len(cloud))
	for _, p := range cloud {
		key := [3]int64{
			int64(math.Floor(p.Pos.X / filterSize)),
			int64(math.Floor(p.Pos.Y / filterSize)),
			int64(math.Floor(p.Pos.Z / filterSize)),
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}
