// Package simscene generates a synthetic three-plane scenario and a
// moving sensor trajectory through it, for exercising the pipeline
// end to end without real sensor data. The piecewise-linear waypoint
// interpolation is grounded directly on the teacher's
// sim/situationSim.go SituationSim.Interpolate, generalised from its
// fixed aircraft-attitude state to this module's manifold.State pose.
package simscene

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"

	"github.com/lio-go/fastlio/internal/imu"
	"github.com/lio-go/fastlio/internal/manifold"
	"github.com/lio-go/fastlio/internal/point"
)

// Waypoint is one scripted pose at time T.
type Waypoint struct {
	T   float64
	Pos r3.Vector
	Rot r3.Vector // rotation vector (axis*angle) at this waypoint
}

// Plane is an infinite plane, unit normal n, offset d, such that
// n·x + d = 0 on the plane.
type Plane struct {
	N r3.Vector
	D float64
}

// ThreePlaneRoom returns the canonical scenario scenario (a)-(f) in
// spec.md §8 exercise: the floor z = 0, and two orthogonal walls, each
// five metres out from the origin.
func ThreePlaneRoom() []Plane {
	return []Plane{
		{N: r3.Vector{Z: 1}, D: 0},    // floor, z = 0
		{N: r3.Vector{X: 1}, D: -5},   // wall, x = 5
		{N: r3.Vector{Y: 1}, D: -5},   // wall, y = 5
	}
}

// Scene bundles a scripted trajectory and the planes it flies through.
type Scene struct {
	waypoints []Waypoint
	planes    []Plane
}

// New constructs a Scene. waypoints must be sorted ascending by T and
// have at least two entries.
func New(waypoints []Waypoint, planes []Plane) *Scene {
	return &Scene{waypoints: waypoints, planes: planes}
}

// BeginTime and EndTime bound the interval Interpolate will answer for.
func (s *Scene) BeginTime() float64 { return s.waypoints[0].T }
func (s *Scene) EndTime() float64   { return s.waypoints[len(s.waypoints)-1].T }

// Interpolate linearly blends position and rotation-vector between
// the bracketing waypoints, the same bracket-and-blend shape
// SituationSim.Interpolate uses.
func (s *Scene) Interpolate(t float64) (pos r3.Vector, rot r3.Vector) {
	wp := s.waypoints
	if t <= wp[0].T {
		return wp[0].Pos, wp[0].Rot
	}
	if t >= wp[len(wp)-1].T {
		return wp[len(wp)-1].Pos, wp[len(wp)-1].Rot
	}
	ix := sort.Search(len(wp), func(i int) bool { return wp[i].T > t }) - 1
	a, b := wp[ix], wp[ix+1]
	f := (t - a.T) / (b.T - a.T)
	pos = a.Pos.Add(b.Pos.Sub(a.Pos).Mul(f))
	rot = a.Rot.Add(b.Rot.Sub(a.Rot).Mul(f))
	return
}

// GenerateIMU synthesises IMU samples at dt spacing across [t0,t1] by
// central-differencing the scripted trajectory for specific force and
// angular rate, exactly the quantities a real IMU reports.
func (s *Scene) GenerateIMU(t0, t1, dt float64) []imu.Sample {
	const h = 1e-4
	var out []imu.Sample
	for t := t0; t <= t1; t += dt {
		p0, r0 := s.Interpolate(t - h)
		p1, r1 := s.Interpolate(t)
		p2, r2 := s.Interpolate(t + h)

		accelWorld := p0.Add(p2).Sub(p1.Mul(2)).Mul(1 / (h * h))
		q := manifold.ExpSO3(r1)
		specificForce := manifold.Rotate(manifold.InverseSO3(q), accelWorld.Sub(r3.Vector{Z: -manifold.GravityMagnitude}))

		gyro := r2.Sub(r0).Mul(1 / (2 * h))

		out = append(out, imu.Sample{T: t, Gyro: gyro, Accel: specificForce})
	}
	return out
}

// GenerateScan casts nRays rays evenly over azimuth [-π,π) and
// elevation elevations from the sensor pose at time t, keeping the
// nearest plane intersection within maxRange, and returns the result
// in the LiDAR frame.
func (s *Scene) GenerateScan(t float64, nRays int, elevations []float64, maxRange float64) point.Cloud {
	pos, rot := s.Interpolate(t)
	q := manifold.ExpSO3(rot)
	qInv := manifold.InverseSO3(q)

	out := make(point.Cloud, 0, nRays*len(elevations))
	for _, el := range elevations {
		for i := 0; i < nRays; i++ {
			az := -math.Pi + 2*math.Pi*float64(i)/float64(nRays)
			dirBody := r3.Vector{
				X: math.Cos(el) * math.Cos(az),
				Y: math.Cos(el) * math.Sin(az),
				Z: math.Sin(el),
			}
			dirWorld := manifold.Rotate(q, dirBody)
			rangeHit, ok := s.castRay(pos, dirWorld, maxRange)
			if !ok {
				continue
			}
			hitWorld := pos.Add(dirWorld.Mul(rangeHit))
			hitBody := manifold.Rotate(qInv, hitWorld.Sub(pos))
			out = append(out, point.P{Pos: hitBody, Intensity: 100, Offset: 0, Frame: point.Lidar})
		}
	}
	return out
}

func (s *Scene) castRay(origin, dir r3.Vector, maxRange float64) (float64, bool) {
	best := maxRange
	hit := false
	for _, pl := range s.planes {
		denom := pl.N.Dot(dir)
		if math.Abs(denom) < 1e-9 {
			continue
		}
		rangeT := -(pl.N.Dot(origin) + pl.D) / denom
		if rangeT > 1e-6 && rangeT < best {
			best = rangeT
			hit = true
		}
	}
	return best, hit
}
