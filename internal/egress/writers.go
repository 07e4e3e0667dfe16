package egress

import (
	"bufio"
	"fmt"
	"io"

	"github.com/lio-go/fastlio/internal/pipeline"
	"github.com/lio-go/fastlio/internal/point"
)

// FileOpener creates the file a PCDBatcher should flush its next batch
// to; cmd/lio-odom passes os.Create with an incrementing scans_N.pcd
// name, matching PublishFrameWorld's naming.
type FileOpener func(index int) (io.WriteCloser, error)

// PCDBatcher accumulates world-frame scans and flushes them to a fresh
// file every interval scans, reproducing PublishFrameWorld's
// accumulate-then-flush-every-pcd_save_interval-scans cadence rather
// than writing one file per scan.
type PCDBatcher struct {
	open     FileOpener
	interval int
	acc      point.Cloud
	seen     int
	index    int
}

// NewPCDBatcher constructs a batcher that flushes every interval
// scans; interval <= 0 disables flushing until Close.
func NewPCDBatcher(open FileOpener, interval int) *PCDBatcher {
	return &PCDBatcher{open: open, interval: interval}
}

// Add appends pts to the pending batch, flushing to a new file once
// interval scans have accumulated.
func (b *PCDBatcher) Add(pts point.Cloud) error {
	b.acc = append(b.acc, pts...)
	b.seen++
	if b.interval > 0 && b.seen >= b.interval {
		return b.flush()
	}
	return nil
}

// Close flushes any points still pending, the same final save
// Finish() performs on whatever never reached a full interval.
func (b *PCDBatcher) Close() error {
	if len(b.acc) == 0 {
		return nil
	}
	return b.flush()
}

func (b *PCDBatcher) flush() error {
	b.index++
	f, err := b.open(b.index)
	if err != nil {
		return fmt.Errorf("egress: open pcd batch %d: %w", b.index, err)
	}
	if err := (PCDWriter{}).WriteASCII(f, b.acc); err != nil {
		f.Close()
		return fmt.Errorf("egress: write pcd batch %d: %w", b.index, err)
	}
	b.acc = b.acc[:0]
	b.seen = 0
	return f.Close()
}

// TrajectoryWriter appends one settled pose per line, in the
// "#timestamp x y z qx qy qz qw" convention common to LiDAR-inertial
// odometry trajectory logs (the same record shape the teacher's own
// kalman_listener.go streams out per AHRS update, just reshaped onto
// this module's state).
type TrajectoryWriter struct {
	w *bufio.Writer
}

// NewTrajectoryWriter wraps w; the caller owns closing the underlying file.
func NewTrajectoryWriter(w io.Writer) *TrajectoryWriter {
	return &TrajectoryWriter{w: bufio.NewWriter(w)}
}

// EmitPose appends one row in the "#timestamp x y z qx qy qz qw"
// trajectory format spec.md §6 documents for persisted state.
func (tw *TrajectoryWriter) EmitPose(t float64, pose pipeline.Pose) {
	fmt.Fprintf(tw.w, "%.6f %.15f %.15f %.15f %.15f %.15f %.15f %.15f\n",
		t, pose.P.X, pose.P.Y, pose.P.Z, pose.R.X, pose.R.Y, pose.R.Z, pose.R.W)
}

// Flush pushes any buffered lines to the underlying writer.
func (tw *TrajectoryWriter) Flush() error { return tw.w.Flush() }

// PCDWriter dumps a point.Cloud to the ASCII PCD format (no third-
// party library in the pack speaks it, so this is a direct, minimal
// writer of the documented header+body layout).
type PCDWriter struct{}

// WriteASCII writes cloud to w as an ASCII PCD file with XYZ and
// intensity fields.
func (PCDWriter) WriteASCII(w io.Writer, cloud point.Cloud) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# .PCD v0.7 - Point Cloud Data file format\n")
	fmt.Fprintf(bw, "VERSION 0.7\n")
	fmt.Fprintf(bw, "FIELDS x y z intensity\n")
	fmt.Fprintf(bw, "SIZE 4 4 4 4\n")
	fmt.Fprintf(bw, "TYPE F F F F\n")
	fmt.Fprintf(bw, "COUNT 1 1 1 1\n")
	fmt.Fprintf(bw, "WIDTH %d\n", len(cloud))
	fmt.Fprintf(bw, "HEIGHT 1\n")
	fmt.Fprintf(bw, "VIEWPOINT 0 0 0 1 0 0 0\n")
	fmt.Fprintf(bw, "POINTS %d\n", len(cloud))
	fmt.Fprintf(bw, "DATA ascii\n")
	for _, p := range cloud {
		fmt.Fprintf(bw, "%f %f %f %f\n", p.Pos.X, p.Pos.Y, p.Pos.Z, p.Intensity)
	}
	return bw.Flush()
}
