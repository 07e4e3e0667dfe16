// Package point defines the canonical 3-D point type shared by every
// stage of the pipeline, from raw decode through de-skew to map storage.
package point

import "github.com/golang/geo/r3"

// Frame names the coordinate frame a Point's Pos is expressed in.
type Frame int

const (
	Lidar Frame = iota
	Body
	World
)

func (f Frame) String() string {
	switch f {
	case Lidar:
		return "lidar"
	case Body:
		return "body"
	case World:
		return "world"
	default:
		return "unknown"
	}
}

// P is a single LiDAR return: a position in a declared frame, an
// intensity, and the time offset (seconds since scan start) used for
// motion compensation.
type P struct {
	Pos       r3.Vector
	Intensity float64
	Offset    float64 // seconds since scan start
	Frame     Frame
}

// Cloud is an ordered sequence of points with monotone Offset.
type Cloud []P

// Transform returns a new point with Pos replaced by applying f to Pos,
// carrying the other fields through unchanged except the destination frame.
func (p P) Transform(to Frame, f func(r3.Vector) r3.Vector) P {
	p.Pos = f(p.Pos)
	p.Frame = to
	return p
}
