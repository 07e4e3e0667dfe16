// Package sync2 implements the LiDAR/IMU bundle synchroniser (spec.md
// §4.5): two monotone FIFO intake buffers drained into time-aligned
// bundles, with a running mean-scan-duration estimate and the
// bracket-continuity trimming rule. Named sync2 to avoid shadowing the
// standard library's sync package that guards the buffers below.
package sync2

import (
	"log/slog"
	"sync"

	"github.com/lio-go/fastlio/internal/imu"
	"github.com/lio-go/fastlio/internal/point"
)

// Scan is one raw LiDAR scan with its start timestamp.
type Scan struct {
	T     float64
	Cloud point.Cloud
}

// Bundle is one time-aligned unit of work handed to the pipeline: a
// scan plus every IMU sample needed to propagate across it, bracketed
// so the last sample is the first one at or after the scan's estimated end time
// (spec.md §4.5 "bracket-continuity").
type Bundle struct {
	Scan Scan
	IMU  []imu.Sample
}

// Synchroniser owns the two intake buffers and the running scan-
// duration estimate used to predict each scan's end time before the
// next scan arrives.
type Synchroniser struct {
	mu sync.Mutex

	scans []Scan
	imus  []imu.Sample

	meanDur   float64
	meanN     int
	lastScanT float64
	haveLast  bool
	lastImuT  float64
	haveLastImu bool

	logger *slog.Logger
}

// New constructs an empty Synchroniser.
func New(logger *slog.Logger) *Synchroniser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchroniser{logger: logger}
}

// PushScan enqueues a newly arrived scan (spec.md §4.5 "push: lock,
// append, unlock").
func (s *Synchroniser) PushScan(sc Scan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveLast && sc.T < s.lastScanT {
		// Timestamp regression: the buffered state can no longer be
		// trusted to be monotone, so spec.md §4.5 has us drop it and
		// start clean rather than risk silently misordered bundles.
		s.logger.Warn("sync2: scan timestamp regression, clearing buffers", "prev", s.lastScanT, "got", sc.T)
		s.scans = s.scans[:0]
		s.imus = s.imus[:0]
		s.meanDur, s.meanN = 0, 0
	}
	s.scans = append(s.scans, sc)
	s.lastScanT = sc.T
	s.haveLast = true
}

// PushIMU enqueues a newly arrived IMU sample (spec.md §4.5 "push: lock,
// append, unlock"; §6 on_imu "regression clears the buffer" applies
// symmetrically to both streams).
func (s *Synchroniser) PushIMU(sample imu.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveLastImu && sample.T < s.lastImuT {
		s.logger.Warn("sync2: imu timestamp regression, clearing buffers", "prev", s.lastImuT, "got", sample.T)
		s.scans = s.scans[:0]
		s.imus = s.imus[:0]
		s.meanDur, s.meanN = 0, 0
	}
	s.imus = append(s.imus, sample)
	s.lastImuT = sample.T
	s.haveLastImu = true
}

// estimatedEnd returns this scan's estimated end time t_e: the scan's
// own last point's time offset when it exceeds half the running mean
// scan duration, otherwise the running mean itself (spec.md §4.5).
// Confirmed against original_source/src/laser_mapping.cc's
// SyncPackages, which brackets on the last point's curvature/1000
// offset against 0.5*lidar_mean_scantime_ exactly this way, and only
// advances the mean from an offset actually used for the bracket —
// never from the gap between successive scans' own start times.
func (s *Synchroniser) estimatedEnd(sc Scan) float64 {
	if len(sc.Cloud) == 0 {
		return sc.T + s.meanDur
	}
	offset := sc.Cloud[len(sc.Cloud)-1].Offset
	if offset > 0.5*s.meanDur {
		s.observeDuration(offset)
		return sc.T + offset
	}
	return sc.T + s.meanDur
}

func (s *Synchroniser) observeDuration(d float64) {
	s.meanN++
	s.meanDur += (d - s.meanDur) / float64(s.meanN)
}

// Pull attempts to assemble the next bundle: the oldest buffered scan
// plus every IMU sample up to and including the first sample at or
// after that scan's estimated end time. It reports ok=false ("not
// ready") until enough IMU data has arrived to satisfy the bracket.
func (s *Synchroniser) Pull() (Bundle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.scans) == 0 || len(s.imus) == 0 {
		return Bundle{}, false
	}
	sc := s.scans[0]
	te := s.estimatedEnd(sc)

	cut := -1
	for i, sample := range s.imus {
		if sample.T >= te {
			cut = i
			break
		}
	}
	if cut == -1 {
		return Bundle{}, false
	}

	bundleIMU := make([]imu.Sample, cut+1)
	copy(bundleIMU, s.imus[:cut+1])

	s.scans = s.scans[1:]
	s.imus = s.imus[cut:] // keep the bracketing sample as the next bundle's first

	return Bundle{Scan: sc, IMU: bundleIMU}, true
}
