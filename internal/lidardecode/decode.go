// Package lidardecode turns a raw per-sensor frame into the canonical
// point.Cloud the rest of the pipeline consumes, dispatching on the
// configured LidarType (spec.md §9 "Dynamic dispatch over LiDAR
// type"). Each decoder keeps every PointFilterNum-th raw point, counted
// by index over the whole frame, then drops those inside the configured
// blind range.
package lidardecode

import (
	"fmt"

	"github.com/golang/geo/r3"

	"github.com/lio-go/fastlio/internal/config"
	"github.com/lio-go/fastlio/internal/point"
)

// RawPoint is one sensor-native return before canonicalisation: a
// position, a reflectivity/intensity, and a time offset already
// expressed in seconds from the sensor's own clock scale.
type RawPoint struct {
	Pos       r3.Vector
	Intensity float64
	Offset    float64
}

// Decoder turns one raw frame into a canonical, blind-range-filtered,
// decimated point.Cloud in the LiDAR frame.
type Decoder interface {
	Decode(raw []RawPoint) point.Cloud
}

// New returns the Decoder for cfg's configured sensor type.
func New(cfg config.Config) (Decoder, error) {
	b := base{
		blind:     cfg.Preprocess.Blind,
		timeScale: cfg.Preprocess.TimeScale,
		filterNum: cfg.PointFilterNum,
	}
	switch cfg.Preprocess.LidarType {
	case config.AVIA:
		return avia{b}, nil
	case config.VELO32:
		return velo32{b}, nil
	case config.OUST64:
		return oust64{b}, nil
	default:
		return nil, fmt.Errorf("lidardecode: unrecognised lidar type %q", cfg.Preprocess.LidarType)
	}
}

// base holds the filter/decimation parameters shared by every sensor
// variant.
type base struct {
	blind     float64
	timeScale float64
	filterNum int
}

func (b base) filter(raw []RawPoint, timeOffset func(RawPoint) float64) point.Cloud {
	if b.filterNum <= 0 {
		b.filterNum = 1
	}
	out := make(point.Cloud, 0, len(raw)/b.filterNum+1)
	for i, r := range raw {
		if i%b.filterNum != 0 {
			continue
		}
		if r.Pos.Norm2() < b.blind*b.blind {
			continue
		}
		out = append(out, point.P{
			Pos:       r.Pos,
			Intensity: r.Intensity,
			Offset:    timeOffset(r) * b.timeScale,
			Frame:     point.Lidar,
		})
	}
	return out
}

// avia decodes a Livox AVIA frame: the raw offset is already
// per-point and needs only the configured time-scale factor.
type avia struct{ base }

func (d avia) Decode(raw []RawPoint) point.Cloud {
	return d.filter(raw, func(r RawPoint) float64 { return r.Offset })
}

// velo32 decodes a spinning 32-beam Velodyne frame: same per-point
// offset convention as AVIA once scaled, kept as a distinct type so
// sensor-specific quirks (ring-dependent blind range, say) have
// somewhere to live without disturbing the other variants.
type velo32 struct{ base }

func (d velo32) Decode(raw []RawPoint) point.Cloud {
	return d.filter(raw, func(r RawPoint) float64 { return r.Offset })
}

// oust64 decodes an Ouster 64-beam frame.
type oust64 struct{ base }

func (d oust64) Decode(raw []RawPoint) point.Cloud {
	return d.filter(raw, func(r RawPoint) float64 { return r.Offset })
}
