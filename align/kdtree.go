package align

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// dims is the number of coordinate axes the tree cycles through
const dims = 3

// noChild marks an absent subtree in the node arena
const noChild = -1

// node is one entry in the tree's arena. Children are arena indices.
type node struct {
	point Point // pivot coordinates
	pivot int   // index of point in the original PointSet
	axis  int   // split axis, depth % dims
	left  int   // points with coord[axis] <= point[axis]
	right int   // points with coord[axis] > point[axis]
}

// Tree is a static 3D k-d tree over a PointSet. It is built once and never
// modified, so any number of goroutines may query it concurrently.
// Callers rebuild the tree whenever the underlying points change.
type Tree struct {
	nodes []node
	root  int
}

// BuildTree builds a k-d tree from points. The points are not modified and
// not retained; query results are indices into points.
//
// Splits use a median-of-three pivot over an index permutation and an
// in-place partition, so the tree is reasonably balanced for unordered input
// without a full sort. Adversarial orderings can degrade it towards a list.
func BuildTree(points PointSet) (*Tree, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("building tree from empty point set: %w", ErrInvalidInput)
	}

	perm := make([]int, len(points))
	for i := range perm {
		perm[i] = i
	}

	t := &Tree{nodes: make([]node, 0, len(points))}
	t.root = t.build(points, perm, 0, len(points)-1, 0)
	return t, nil
}

// build creates the subtree for perm[start..end] (inclusive) and returns its
// arena index.
func (t *Tree) build(points PointSet, perm []int, start, end, depth int) int {
	axis := depth % dims
	split := partition(points, perm, start, end, axis)

	id := len(t.nodes)
	t.nodes = append(t.nodes, node{
		point: points[perm[split]],
		pivot: perm[split],
		axis:  axis,
		left:  noChild,
		right: noChild,
	})

	// Recursion appends to t.nodes, so children are assigned through locals
	// rather than directly into the (possibly reallocated) slice.
	if split-1 >= start {
		left := t.build(points, perm, start, split-1, depth+1)
		t.nodes[id].left = left
	}
	if split+1 <= end {
		right := t.build(points, perm, split+1, end, depth+1)
		t.nodes[id].right = right
	}

	return id
}

// medianOfThree picks whichever of the first, middle and last positions of
// the range holds the middle value on axis.
func medianOfThree(points PointSet, perm []int, start, end, axis int) int {
	mid := (start + end) / 2
	a := points[perm[start]].Coord(axis)
	b := points[perm[end]].Coord(axis)
	m := points[perm[mid]].Coord(axis)

	if a > b {
		if m > a {
			return start
		}
		if b > m {
			return end
		}
		return mid
	}
	if a > m {
		return start
	}
	if m > b {
		return end
	}
	return mid
}

// partition reorders perm[start..end] so that every point at or below the
// chosen pivot on axis precedes it and every point above follows it.
// It returns the pivot's final position.
func partition(points PointSet, perm []int, start, end, axis int) int {
	split := medianOfThree(points, perm, start, end, axis)
	pivot := points[perm[split]].Coord(axis)
	perm[start], perm[split] = perm[split], perm[start]

	// The pivot always sits at curr-1.
	curr := start + 1
	last := end
	for curr <= last {
		if points[perm[curr]].Coord(axis) > pivot {
			perm[curr], perm[last] = perm[last], perm[curr]
			last--
		} else {
			perm[curr-1], perm[curr] = perm[curr], perm[curr-1]
			curr++
		}
	}
	return curr - 1
}

// Len returns the number of points (and nodes) in the tree
func (t *Tree) Len() int {
	if t == nil {
		return 0
	}
	return len(t.nodes)
}

// Height returns the number of levels on the longest root-to-leaf path
func (t *Tree) Height() int {
	if t.Len() == 0 {
		return 0
	}
	return t.height(t.root)
}

func (t *Tree) height(id int) int {
	if id == noChild {
		return 0
	}
	n := t.nodes[id]
	return 1 + max(t.height(n.left), t.height(n.right))
}

// candidate tracks the best match found so far during a search
type candidate struct {
	index  int
	sqDist float64
}

func newCandidate() candidate {
	return candidate{index: -1, sqDist: math.Inf(1)}
}

// search walks the subtree at id, updating best with any point closer than
// best and strictly farther than minSq. The far side of a split is skipped
// when the current best ball does not cross the splitting plane.
func (t *Tree) search(id int, q Point, minSq float64, best *candidate) {
	n := &t.nodes[id]

	d := squaredDistance(n.point, q)
	if d < best.sqDist && d > minSq {
		best.sqDist = d
		best.index = n.pivot
	}

	planeDist := q.Coord(n.axis) - n.point.Coord(n.axis)
	near, far := n.left, n.right
	if planeDist > 0 {
		near, far = far, near
	}

	if near != noChild {
		t.search(near, q, minSq, best)
	}
	if far != noChild && best.sqDist > planeDist*planeDist {
		t.search(far, q, minSq, best)
	}
}

// FindNearest returns the index of the point closest to q.
// When several points are equally close, the first one visited wins.
func (t *Tree) FindNearest(q Point) (int, error) {
	idx, _, err := t.nearestSquared(q)
	return idx, err
}

// Nearest returns the index of the point closest to q and its Euclidean distance
func (t *Tree) Nearest(q Point) (int, float64, error) {
	idx, sq, err := t.nearestSquared(q)
	if err != nil {
		return -1, 0, err
	}
	return idx, math.Sqrt(sq), nil
}

func (t *Tree) nearestSquared(q Point) (int, float64, error) {
	if t.Len() == 0 {
		return -1, 0, fmt.Errorf("nearest query: %w", ErrEmptyIndex)
	}
	best := newCandidate()
	// A negative bound excludes nothing, so a point at distance zero is found.
	t.search(t.root, q, -1, &best)
	return best.index, best.sqDist, nil
}

// FindKthNearest returns the index of the k-th nearest point to q (k >= 1).
func (t *Tree) FindKthNearest(q Point, k int) (int, error) {
	all, err := t.kNearest(q, k)
	if err != nil {
		return -1, err
	}
	return all[k-1].index, nil
}

// FindKNearestAll returns the indices of the k nearest points to q, ordered
// from nearest to k-th nearest.
func (t *Tree) FindKNearestAll(q Point, k int) ([]int, error) {
	all, err := t.kNearest(q, k)
	if err != nil {
		return nil, err
	}
	indices := make([]int, len(all))
	for i, c := range all {
		indices[i] = c.index
	}
	return indices, nil
}

// KNearestDistances returns the Euclidean distances of the k nearest points
// to q, ordered from nearest to k-th nearest.
func (t *Tree) KNearestDistances(q Point, k int) ([]float64, error) {
	all, err := t.kNearest(q, k)
	if err != nil {
		return nil, err
	}
	distances := make([]float64, len(all))
	for i, c := range all {
		distances[i] = math.Sqrt(c.sqDist)
	}
	return distances, nil
}

// KNearest returns the indices of the k nearest points to q and their
// Euclidean distances, ordered from nearest to k-th nearest, from a single
// k-pass search.
func (t *Tree) KNearest(q Point, k int) ([]int, []float64, error) {
	all, err := t.kNearest(q, k)
	if err != nil {
		return nil, nil, err
	}
	indices := make([]int, len(all))
	distances := make([]float64, len(all))
	for i, c := range all {
		indices[i] = c.index
		distances[i] = math.Sqrt(c.sqDist)
	}
	return indices, distances, nil
}

// kNearest runs k full searches, each excluding every distance up to and
// including the one found by the previous pass. This costs k traversals
// instead of maintaining a bounded heap; k is small in practice.
//
// Points tied at exactly the same distance from q collapse into one pass,
// so a query needing more distinct distances than exist fails.
func (t *Tree) kNearest(q Point, k int) ([]candidate, error) {
	if t.Len() == 0 {
		return nil, fmt.Errorf("k-nearest query: %w", ErrEmptyIndex)
	}
	if k < 1 || k > t.Len() {
		return nil, fmt.Errorf("k=%d outside [1, %d]: %w", k, t.Len(), ErrInvalidInput)
	}

	result := make([]candidate, 0, k)
	minSq := -1.0
	for i := 0; i < k; i++ {
		best := newCandidate()
		t.search(t.root, q, minSq, &best)
		if best.index < 0 {
			return nil, fmt.Errorf("k=%d but only %d neighbours at distinct distances: %w", k, i, ErrInvalidInput)
		}
		result = append(result, best)
		minSq = best.sqDist
	}
	return result, nil
}

// Dump renders the tree shape as one pivot index per line, indented two
// spaces per level, left subtree before right. Useful for eyeballing how well
// the split heuristic is doing on a given cloud.
func (t *Tree) Dump() string {
	if t.Len() == 0 {
		return ""
	}
	var sb strings.Builder
	t.dump(&sb, t.root, 0)
	return sb.String()
}

func (t *Tree) dump(sb *strings.Builder, id, depth int) {
	n := t.nodes[id]
	sb.WriteString(strings.Repeat("  ", depth))
	sb.WriteString(strconv.Itoa(n.pivot))
	sb.WriteByte('\n')
	if n.left != noChild {
		t.dump(sb, n.left, depth+1)
	}
	if n.right != noChild {
		t.dump(sb, n.right, depth+1)
	}
}

// squaredDistance returns the squared Euclidean distance between two points
func squaredDistance(a, b Point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return dx*dx + dy*dy + dz*dz
}

// Distance calculates Euclidean distance between two points
func Distance(a, b Point) float64 {
	return math.Sqrt(squaredDistance(a, b))
}
