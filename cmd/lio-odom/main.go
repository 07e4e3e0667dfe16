// Command lio-odom replays a synthetic or configured scenario through
// the pipeline, optionally serving a live dashboard and logging to
// sqlite. Its flag-driven scenario selection is grounded on the
// teacher's sim/ahrs_sim.go main(), generalised from its fixed
// takeoff/turn scenario switch to this module's own synthetic-scene
// generator.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"

	"github.com/lio-go/fastlio/internal/config"
	"github.com/lio-go/fastlio/internal/egress"
	"github.com/lio-go/fastlio/internal/pipeline"
	"github.com/lio-go/fastlio/internal/point"
	"github.com/lio-go/fastlio/internal/simscene"
	"github.com/lio-go/fastlio/internal/sync2"
)

func main() {
	var (
		configPath string
		scenario   string
		dashboard  string
		trajOut    string
		sqlitePath string
		pcdDir     string
		scanHz     float64
		imuHz      float64
		duration   float64
	)
	flag.StringVar(&configPath, "config", "", "path to a YAML config overriding the defaults")
	flag.StringVar(&scenario, "scenario", "three-plane-room", "synthetic scenario to replay")
	flag.StringVar(&dashboard, "dashboard-addr", "", "if set, serve a live pose dashboard at this address, e.g. :8000")
	flag.StringVar(&trajOut, "trajectory-out", "", "if set, write the settled trajectory to this file")
	flag.StringVar(&sqlitePath, "sqlite", "", "if set, log every settled pose to this sqlite file")
	flag.StringVar(&pcdDir, "pcd-dir", "", "if set, write batched world-frame PCD scans into this directory")
	flag.Float64Var(&scanHz, "scan-hz", 10, "synthetic scan rate, Hz")
	flag.Float64Var(&imuHz, "imu-hz", 200, "synthetic IMU sample rate, Hz")
	flag.Float64Var(&duration, "duration", 20, "scenario duration to replay, seconds")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg := config.Default()
	if configPath != "" {
		f, err := os.Open(configPath)
		if err != nil {
			logger.Error("lio-odom: open config", "err", err)
			os.Exit(1)
		}
		defer f.Close()
		cfg, err = config.Load(f)
		if err != nil {
			logger.Error("lio-odom: load config", "err", err)
			os.Exit(1)
		}
	}

	sinks := buildEgress(logger, dashboard, trajOut, sqlitePath, pcdDir, cfg.PCDSave.Interval)
	defer sinks.Close()

	if scenario != "three-plane-room" {
		logger.Error("lio-odom: unrecognised scenario", "scenario", scenario)
		os.Exit(1)
	}
	runThreePlaneRoom(cfg, sinks, logger, scanHz, imuHz, duration)
}

// egressSet fans every pipeline.Egress call out to whichever sinks the
// caller configured; any nil sink is silently skipped.
type egressSet struct {
	traj    *egress.TrajectoryWriter
	store   *egress.Store
	hub     *egress.WSHub
	pcd     *egress.PCDBatcher
	file    *os.File
	lastCov float64
}

func (e *egressSet) ConditionNumber(c float64) {
	e.lastCov = c
	if e.hub != nil {
		e.hub.ConditionNumber(c)
	}
}

func (e *egressSet) Odometry(t float64, pose pipeline.Pose, cov [36]float64) {
	if e.traj != nil {
		e.traj.EmitPose(t, pose)
	}
	if e.store != nil {
		e.store.EmitPose(t, pose, e.lastCov)
	}
	if e.hub != nil {
		e.hub.Odometry(t, pose, cov)
	}
}

func (e *egressSet) Path(poses []pipeline.Pose) {
	if e.hub != nil {
		e.hub.Path(poses)
	}
}

func (e *egressSet) RegisteredScanWorld(pts point.Cloud) {
	if e.hub != nil {
		e.hub.RegisteredScanWorld(pts)
	}
	if e.pcd != nil {
		if err := e.pcd.Add(pts); err != nil {
			fmt.Fprintf(os.Stderr, "lio-odom: pcd batch: %v\n", err)
		}
	}
}

func (e *egressSet) RegisteredScanBody(pts point.Cloud) {
	if e.hub != nil {
		e.hub.RegisteredScanBody(pts)
	}
}

func (e *egressSet) FrameBroadcast(t float64, worldToBase pipeline.Pose) {
	if e.hub != nil {
		e.hub.FrameBroadcast(t, worldToBase)
	}
}

func (e *egressSet) Close() {
	if e.traj != nil {
		e.traj.Flush()
	}
	if e.store != nil {
		e.store.Close()
	}
	if e.pcd != nil {
		if err := e.pcd.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "lio-odom: pcd batch close: %v\n", err)
		}
	}
	if e.file != nil {
		e.file.Close()
	}
}

func buildEgress(logger *slog.Logger, dashboardAddr, trajOut, sqlitePath, pcdDir string, pcdInterval int) *egressSet {
	set := &egressSet{}
	if trajOut != "" {
		f, err := os.Create(trajOut)
		if err != nil {
			logger.Error("lio-odom: create trajectory file", "err", err)
			os.Exit(1)
		}
		set.file = f
		set.traj = egress.NewTrajectoryWriter(f)
	}
	if sqlitePath != "" {
		st, err := egress.OpenStore(sqlitePath, uuid.NewString())
		if err != nil {
			logger.Error("lio-odom: open sqlite store", "err", err)
			os.Exit(1)
		}
		set.store = st
	}
	if dashboardAddr != "" {
		hub := egress.NewWSHub(logger)
		go hub.Run()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/ws", hub)
			logger.Info("lio-odom: serving dashboard", "addr", dashboardAddr)
			if err := http.ListenAndServe(dashboardAddr, mux); err != nil {
				logger.Error("lio-odom: dashboard server", "err", err)
			}
		}()
		set.hub = hub
	}
	if pcdDir != "" {
		if err := os.MkdirAll(pcdDir, 0o755); err != nil {
			logger.Error("lio-odom: create pcd dir", "err", err)
			os.Exit(1)
		}
		interval := pcdInterval
		if interval <= 0 {
			interval = 1
		}
		set.pcd = egress.NewPCDBatcher(func(index int) (io.WriteCloser, error) {
			return os.Create(filepath.Join(pcdDir, fmt.Sprintf("scans_%d.pcd", index)))
		}, interval)
	}
	return set
}

func runThreePlaneRoom(cfg config.Config, sinks *egressSet, logger *slog.Logger, scanHz, imuHz, duration float64) {
	scene := simscene.New([]simscene.Waypoint{
		{T: 0, Pos: r3.Vector{}, Rot: r3.Vector{}},
		{T: duration, Pos: r3.Vector{X: 4, Y: 4, Z: 0}, Rot: r3.Vector{}},
	}, simscene.ThreePlaneRoom())

	driver := pipeline.New(cfg, sinks, logger)
	driver.Start()

	imuDt := 1 / imuHz
	scanDt := 1 / scanHz
	elevations := []float64{-0.2, -0.1, 0, 0.1, 0.2}

	nextScan := 0.0
	for t := scene.BeginTime(); t < duration; t += imuDt {
		for _, s := range scene.GenerateIMU(t, t+imuDt, imuDt) {
			driver.FeedIMU(s)
		}
		if t >= nextScan {
			cloud := scene.GenerateScan(t, 360, elevations, cfg.Mapping.DetRange)
			driver.FeedScan(sync2.Scan{T: t, Cloud: cloud})
			nextScan += scanDt
		}
		for {
			ok, err := driver.Step()
			if err != nil {
				logger.Error("lio-odom: pipeline step", "err", err)
			}
			if !ok {
				break
			}
		}
	}
	fmt.Fprintf(os.Stderr, "lio-odom: replay complete, phase=%s\n", driver.Phase())
}
