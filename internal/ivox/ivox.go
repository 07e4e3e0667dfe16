// Package ivox implements the incremental sparse voxel grid (spec.md
// §4.1): a hashed map from integer lattice key to a bounded, unordered
// point collection, supporting downsample-aware insertion and k-nearest-
// neighbour queries over a configurable voxel neighbourhood.
//
// The point type is built on github.com/golang/geo/r3, the same vector
// library other_examples/viamrobotics-rdk__icp.go uses for its KD-tree
// NearestNeighbor; the bounded kNN selection below uses container/heap
// the way a max-heap-of-size-k is conventionally built in Go, since
// neither the teacher nor the pack ships a generic kNN heap to reuse.
package ivox

import (
	"container/heap"
	"math"

	"github.com/golang/geo/r3"

	"github.com/lio-go/fastlio/internal/point"
)

// Mode selects which ring of voxels around the query's host voxel
// contributes candidates to a kNN query (spec.md §4.1).
type Mode int

const (
	Center Mode = iota
	Nearby6
	Nearby18
	Nearby26
)

// Key is the integer lattice index of a voxel: floor(x/r), floor(y/r), floor(z/r).
type Key struct {
	X, Y, Z int64
}

const tol = 1e-6

// DefaultKMatch is the kNN match count the insertion downsample rule
// uses by default (spec.md §4.1, shared with the observation model's
// K_match, spec.md §4.3).
const DefaultKMatch = 5

type entry struct {
	pt  point.P
	seq int // insertion order, for stable kNN tie-break
}

type voxel struct {
	entries []entry
}

// Grid is the incremental sparse voxel map.
type Grid struct {
	resolution float64
	mode       Mode
	kMatch     int
	voxels     map[Key]*voxel
	seq        int
}

// NewGrid constructs an empty grid at the given resolution (metres) and
// neighbourhood mode, fixed for the grid's lifetime (spec.md §4.1).
func NewGrid(resolution float64, mode Mode, kMatch int) *Grid {
	if kMatch <= 0 {
		kMatch = DefaultKMatch
	}
	return &Grid{
		resolution: resolution,
		mode:       mode,
		kMatch:     kMatch,
		voxels:     make(map[Key]*voxel),
	}
}

// KeyOf returns the voxel key containing v at the grid's resolution.
func (g *Grid) KeyOf(v r3.Vector) Key {
	return Key{
		X: int64(math.Floor(v.X / g.resolution)),
		Y: int64(math.Floor(v.Y / g.resolution)),
		Z: int64(math.Floor(v.Z / g.resolution)),
	}
}

// Centre returns the centre point of the voxel identified by k.
func (g *Grid) Centre(k Key) r3.Vector {
	return r3.Vector{
		X: (float64(k.X) + 0.5) * g.resolution,
		Y: (float64(k.Y) + 0.5) * g.resolution,
		Z: (float64(k.Z) + 0.5) * g.resolution,
	}
}

// Size returns the number of occupied voxels, for diagnostics/tests.
func (g *Grid) Size() int {
	return len(g.voxels)
}

// VoxelLen returns the number of stored points in the voxel containing q,
// or 0 if that voxel does not exist.
func (g *Grid) VoxelLen(q r3.Vector) int {
	v, ok := g.voxels[g.KeyOf(q)]
	if !ok {
		return 0
	}
	return len(v.entries)
}

// AddPoints inserts each point into its voxel, applying the
// downsample-aware insertion contract of spec.md §4.1.
func (g *Grid) AddPoints(pts []point.P) {
	for _, p := range pts {
		g.addOne(p)
	}
}

// AddPointsForce inserts each point into its voxel unconditionally,
// bypassing the downsample-aware gate AddPoints applies. Callers use
// this for the "no-need-to-downsample" lane of spec.md §4.6's map-
// increment rule, once they have already decided — against a resolution
// of their own (σ_map) rather than this grid's — that the point belongs regardless
// of what the voxel currently holds.
func (g *Grid) AddPointsForce(pts []point.P) {
	for _, p := range pts {
		key := g.KeyOf(p.Pos)
		v, ok := g.voxels[key]
		if !ok {
			v = &voxel{}
			g.voxels[key] = v
		}
		v.entries = append(v.entries, entry{pt: p, seq: g.seq})
		g.seq++
	}
}

func (g *Grid) addOne(p point.P) {
	key := g.KeyOf(p.Pos)
	v, ok := g.voxels[key]
	if !ok {
		v = &voxel{}
		g.voxels[key] = v
	}
	if !g.needsDownsample(v, key, p.Pos) {
		v.entries = append(v.entries, entry{pt: p, seq: g.seq})
		g.seq++
		return
	}
	if g.shouldDrop(v, key, p.Pos) {
		return
	}
	v.entries = append(v.entries, entry{pt: p, seq: g.seq})
	g.seq++
}

// needsDownsample reports whether candidate must pass the K_match check
// before insertion. It returns false when the voxel is empty, or when
// candidate is farther from the voxel centre than every stored point by
// more than the tolerance; in either case insertion is unconditional
// ("no need to downsample", spec.md §4.1).
func (g *Grid) needsDownsample(v *voxel, key Key, candidate r3.Vector) bool {
	if len(v.entries) == 0 {
		return false
	}
	centre := g.Centre(key)
	cd := candidate.Sub(centre).Norm()
	for _, e := range v.entries {
		if cd <= e.pt.Pos.Sub(centre).Norm()+tol {
			return true
		}
	}
	return false
}

// shouldDrop applies the K_match rule: drop the candidate if at least
// kMatch existing points lie no farther from the centre than the
// candidate (plus tolerance).
func (g *Grid) shouldDrop(v *voxel, key Key, candidate r3.Vector) bool {
	centre := g.Centre(key)
	cd := candidate.Sub(centre).Norm()
	count := 0
	for _, e := range v.entries {
		if e.pt.Pos.Sub(centre).Norm() <= cd+tol {
			count++
			if count >= g.kMatch {
				return true
			}
		}
	}
	return false
}

// Reset drops all voxels (spec.md §4.1).
func (g *Grid) Reset() {
	g.voxels = make(map[Key]*voxel)
	g.seq = 0
}

func (g *Grid) neighbourOffsets() []Key {
	switch g.mode {
	case Center:
		return []Key{{}}
	case Nearby6:
		return []Key{
			{}, {X: 1}, {X: -1}, {Y: 1}, {Y: -1}, {Z: 1}, {Z: -1},
		}
	case Nearby18:
		offs := []Key{{}}
		for _, d := range [][3]int64{
			{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1},
		} {
			offs = append(offs, Key{X: d[0], Y: d[1], Z: d[2]})
		}
		for _, d := range edgeOffsets() {
			offs = append(offs, d)
		}
		return offs
	case Nearby26:
		var offs []Key
		for dx := int64(-1); dx <= 1; dx++ {
			for dy := int64(-1); dy <= 1; dy++ {
				for dz := int64(-1); dz <= 1; dz++ {
					offs = append(offs, Key{X: dx, Y: dy, Z: dz})
				}
			}
		}
		return offs
	default:
		return []Key{{}}
	}
}

func edgeOffsets() []Key {
	var offs []Key
	vals := []int64{-1, 0, 1}
	for _, dx := range vals {
		for _, dy := range vals {
			for _, dz := range vals {
				nz := 0
				if dx != 0 {
					nz++
				}
				if dy != 0 {
					nz++
				}
				if dz != 0 {
					nz++
				}
				if nz == 2 {
					offs = append(offs, Key{X: dx, Y: dy, Z: dz})
				}
			}
		}
	}
	return offs
}

// candidateHeap is a bounded max-heap of size k, ordered by descending
// squared distance so the farthest candidate is always at the root and
// is evicted first when the heap overflows.
type candidateHeap []entryDist

type entryDist struct {
	e      entry
	distSq float64
}

func (h candidateHeap) Len() int { return len(h) }
func (h candidateHeap) Less(i, j int) bool {
	if h[i].distSq != h[j].distSq {
		return h[i].distSq > h[j].distSq
	}
	return h[i].e.seq > h[j].e.seq
}
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(entryDist)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// GetClosestPoint returns up to k points nearest q, gathered from q's
// host voxel and the configured neighbourhood, sorted ascending by
// squared distance with insertion-order tie-break (spec.md §4.1).
func (g *Grid) GetClosestPoint(q r3.Vector, k int) []point.P {
	if k <= 0 {
		return nil
	}
	host := g.KeyOf(q)
	h := &candidateHeap{}
	heap.Init(h)
	for _, off := range g.neighbourOffsets() {
		key := Key{X: host.X + off.X, Y: host.Y + off.Y, Z: host.Z + off.Z}
		v, ok := g.voxels[key]
		if !ok {
			continue
		}
		for _, e := range v.entries {
			d := e.pt.Pos.Sub(q).Norm2()
			if h.Len() < k {
				heap.Push(h, entryDist{e: e, distSq: d})
				continue
			}
			if d < (*h)[0].distSq || (d == (*h)[0].distSq && e.seq < (*h)[0].e.seq) {
				heap.Pop(h)
				heap.Push(h, entryDist{e: e, distSq: d})
			}
		}
	}
	out := make([]entryDist, h.Len())
	copy(out, *h)
	// Ascending by distance, stable on insertion order for ties.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	pts := make([]point.P, len(out))
	for i, o := range out {
		pts[i] = o.e.pt
	}
	return pts
}

func less(a, b entryDist) bool {
	if a.distSq != b.distSq {
		return a.distSq < b.distSq
	}
	return a.e.seq < b.e.seq
}
