// Package kdtree is the spatial index over behavioral statistics vectors.
//
// The tree is built once over a hyperrectangle: internal nodes split one
// dimension at the integer midpoint of its current range, and leaves
// accumulate the bounding box of every point routed to them. Nodes live in
// an arena and reference their children by index.
//
// A Tree is not safe for concurrent use; callers serialize access.
package kdtree

import (
	"slices"

	"github.com/tutu-network/immunet/internal/domain"
	"github.com/tutu-network/immunet/internal/infra/metrics"
)

// MergeGap is the largest gap (exclusive) between two sibling leaves on
// their split dimension that compression closes.
const MergeGap = 4

const none = -1

// Hrect is an axis-aligned hyperrectangle: k minimums followed by k maximums.
type Hrect []uint16

// K returns the dimensionality.
func (h Hrect) K() int { return len(h) / 2 }

// Min returns the lower bound of dimension i.
func (h Hrect) Min(i int) uint16 { return h[i] }

// Max returns the upper bound of dimension i.
func (h Hrect) Max(i int) uint16 { return h[h.K()+i] }

// Contains reports whether point lies inside h on every dimension.
func (h Hrect) Contains(point []uint16) bool {
	for i, v := range point {
		if v < h.Min(i) || v > h.Max(i) {
			return false
		}
	}
	return true
}

// Covers reports whether o lies entirely inside h.
func (h Hrect) Covers(o Hrect) bool {
	k := h.K()
	for i := 0; i < k; i++ {
		if o[i] < h[i] || o[k+i] > h[k+i] {
			return false
		}
	}
	return true
}

// Union returns the smallest hyperrectangle containing h and o.
func (h Hrect) Union(o Hrect) Hrect {
	k := h.K()
	out := slices.Clone(h)
	for i := 0; i < k; i++ {
		out[i] = min(out[i], o[i])
		out[k+i] = max(out[k+i], o[k+i])
	}
	return out
}

// BoundingBox returns the per-dimension min and max over points. It
// returns nil when points is empty.
func BoundingBox(points [][]uint16, k int) Hrect {
	if len(points) == 0 {
		return nil
	}
	h := make(Hrect, 2*k)
	copy(h[:k], points[0][:k])
	copy(h[k:], points[0][:k])
	for _, p := range points[1:] {
		for i := 0; i < k; i++ {
			h[i] = min(h[i], p[i])
			h[k+i] = max(h[k+i], p[i])
		}
	}
	return h
}

type node struct {
	leaf        bool
	dim         int // split dimension; -1 for leaves created on insert
	mean        uint16
	left, right int
	bounds      Hrect // leaf only; nil until the first point arrives
}

// Tree is a k-d tree with fixed build depth.
type Tree struct {
	k     int
	depth int
	hrect Hrect
	nodes []node
	root  int
}

// New builds the split structure over hrect. Leaves hold no bounds until
// points are inserted.
func New(hrect Hrect, depth int) *Tree {
	t := &Tree{k: hrect.K(), depth: depth, hrect: slices.Clone(hrect), root: none}
	work := slices.Clone(hrect)
	t.root = t.build(work, 0, depth)
	return t
}

// Build creates a tree over the bounding box of points and inserts them.
func Build(points [][]uint16, k, depth int) *Tree {
	t := New(BoundingBox(points, k), depth)
	t.AddBulk(points)
	return t
}

// build returns the arena index of the subtree over work, or none when no
// dimension of work can be split. work is restored before returning.
func (t *Tree) build(work Hrect, cursor, depth int) int {
	k := t.k
	dim := none
	for step := 0; step < k; step++ {
		d := (cursor + step) % k
		if work[k+d] != work[d] {
			dim = d
			break
		}
	}
	if dim == none {
		return none
	}

	lo, hi := work[dim], work[k+dim]
	mean := uint16((uint32(lo) + uint32(hi)) >> 1)
	idx := t.alloc(node{dim: dim, mean: mean, left: none, right: none})

	left, right := none, none
	if depth > 0 {
		next := (dim + 1) % k
		work[k+dim] = mean
		left = t.build(work, next, depth-1)
		work[k+dim] = hi
		work[dim] = mean + 1
		right = t.build(work, next, depth-1)
		work[dim] = lo
	}
	n := &t.nodes[idx]
	n.left, n.right = left, right
	n.leaf = left == none && right == none
	return idx
}

func (t *Tree) alloc(n node) int {
	t.nodes = append(t.nodes, n)
	return len(t.nodes) - 1
}

func (t *Tree) newLeaf() int {
	return t.alloc(node{leaf: true, dim: none, left: none, right: none})
}

// K returns the dimensionality.
func (t *Tree) K() int { return t.k }

// Depth returns the build depth.
func (t *Tree) Depth() int { return t.depth }

// Hrect returns a copy of the space the tree was built over.
func (t *Tree) Hrect() Hrect { return slices.Clone(t.hrect) }

// Insert routes point to its leaf and widens the leaf bounds to include it.
func (t *Tree) Insert(point []uint16) {
	point = point[:t.k]
	if t.root == none {
		t.root = t.newLeaf()
	}
	cur := t.root
	for !t.nodes[cur].leaf {
		n := t.nodes[cur]
		goRight := point[n.dim] > n.mean
		next := n.left
		if goRight {
			next = n.right
		}
		if next == none {
			next = t.newLeaf()
			if goRight {
				t.nodes[cur].right = next
			} else {
				t.nodes[cur].left = next
			}
		}
		cur = next
	}

	leaf := &t.nodes[cur]
	if leaf.bounds == nil {
		leaf.bounds = make(Hrect, 2*t.k)
		copy(leaf.bounds[:t.k], point)
		copy(leaf.bounds[t.k:], point)
		return
	}
	for i, v := range point {
		leaf.bounds[i] = min(leaf.bounds[i], v)
		leaf.bounds[t.k+i] = max(leaf.bounds[t.k+i], v)
	}
}

// AddBulk inserts every point.
func (t *Tree) AddBulk(points [][]uint16) {
	for _, p := range points {
		t.Insert(p)
	}
}

// GrowOrRebuild inserts points when their bounding box fits the tree's
// space. Otherwise it builds a new tree over the union of both spaces at
// the same depth, inserts points and the drained contents of the old tree,
// and adopts it. It reports whether a rebuild happened.
func (t *Tree) GrowOrRebuild(points [][]uint16) bool {
	bb := BoundingBox(points, t.k)
	if bb == nil {
		return false
	}
	if t.hrect.Covers(bb) {
		t.AddBulk(points)
		return false
	}

	old := t.Drain()
	next := New(t.hrect.Union(bb), t.depth)
	next.AddBulk(points)
	next.AddBulk(old)
	*t = *next
	metrics.TreeRebuilds.Inc()
	return true
}

// Drain returns every leaf's min vector, and its max vector when it
// differs, in depth-first order.
func (t *Tree) Drain() [][]uint16 {
	var out [][]uint16
	t.walkLeaves(t.root, func(b Hrect) {
		lo, hi := b[:t.k], b[t.k:]
		out = append(out, slices.Clone(lo))
		if !slices.Equal(lo, hi) {
			out = append(out, slices.Clone(hi))
		}
	})
	return out
}

// Leaves returns copies of the bounds of every leaf that holds points.
func (t *Tree) Leaves() []Hrect {
	var out []Hrect
	t.walkLeaves(t.root, func(b Hrect) { out = append(out, slices.Clone(b)) })
	return out
}

// Nodes returns the number of reachable nodes.
func (t *Tree) Nodes() int {
	var count func(int) int
	count = func(i int) int {
		if i == none {
			return 0
		}
		n := t.nodes[i]
		if n.leaf {
			return 1
		}
		return 1 + count(n.left) + count(n.right)
	}
	return count(t.root)
}

func (t *Tree) walkLeaves(i int, fn func(Hrect)) {
	if i == none {
		return
	}
	n := t.nodes[i]
	if n.leaf {
		if n.bounds != nil {
			fn(n.bounds)
		}
		return
	}
	t.walkLeaves(n.left, fn)
	t.walkLeaves(n.right, fn)
}

// Compress merges sibling leaves split on the same dimension whose gap on
// that dimension is below MergeGap, and prunes subtrees that never received
// a point. Running it twice is the same as running it once.
func (t *Tree) Compress() {
	if t.root == none {
		return
	}
	if !t.compress(t.root) {
		t.root = none
	}
	t.compact()
}

// compress reports whether the subtree at i holds any points.
func (t *Tree) compress(i int) bool {
	n := &t.nodes[i]
	if n.leaf {
		return n.bounds != nil
	}
	if n.left != none && !t.compress(n.left) {
		n.left = none
	}
	if n.right != none && !t.compress(n.right) {
		n.right = none
	}
	if n.left == none && n.right == none {
		return false
	}
	if n.left == none || n.right == none {
		return true
	}

	l, r := t.nodes[n.left], t.nodes[n.right]
	if !l.leaf || !r.leaf || l.dim == none || l.dim != r.dim {
		return true
	}
	d := l.dim
	lmax, rmin := int(l.bounds.Max(d)), int(r.bounds.Min(d))
	gap := rmin - lmax
	if gap < 0 {
		gap = -gap
	}
	if gap >= MergeGap {
		return true
	}
	n.bounds = l.bounds.Union(r.bounds)
	n.leaf = true
	n.left, n.right = none, none
	return true
}

// compact drops unreachable nodes from the arena.
func (t *Tree) compact() {
	if t.root == none {
		t.nodes = nil
		return
	}
	nodes := make([]node, 0, len(t.nodes))
	var copyNode func(int) int
	copyNode = func(i int) int {
		if i == none {
			return none
		}
		n := t.nodes[i]
		idx := len(nodes)
		nodes = append(nodes, n)
		if !n.leaf {
			l := copyNode(n.left)
			r := copyNode(n.right)
			nodes[idx].left, nodes[idx].right = l, r
		}
		return idx
	}
	t.root = copyNode(t.root)
	t.nodes = nodes
}

// Classify tests point against the learned space. A coordinate outside the
// tree's space is out-of-space. Otherwise, if the point's leaf does not
// contain it, the ancestors are examined from the deepest up: a point that
// lies strictly between the nearest cluster of the left subtree and the
// nearest cluster of the right subtree on the split dimension is in-gap.
func (t *Tree) Classify(point []uint16) (domain.StatAnomaly, bool) {
	point = point[:t.k]
	for i, v := range point {
		if v < t.hrect.Min(i) || v > t.hrect.Max(i) {
			return domain.StatAnomaly{
				Kind:      domain.OutOfSpace,
				Value:     v,
				Dimension: i,
				K:         t.k,
				Space:     slices.Clone(t.hrect),
			}, true
		}
	}

	var path []int
	cur := t.root
	for cur != none && !t.nodes[cur].leaf {
		path = append(path, cur)
		n := t.nodes[cur]
		if point[n.dim] > n.mean {
			cur = n.right
		} else {
			cur = n.left
		}
	}
	if cur != none && t.nodes[cur].bounds != nil && t.nodes[cur].bounds.Contains(point) {
		return domain.StatAnomaly{}, false
	}

	for j := len(path) - 1; j >= 0; j-- {
		n := t.nodes[path[j]]
		d := n.dim
		left := t.nearest(n.left, d, true)
		right := t.nearest(n.right, d, false)
		if left == nil || right == nil {
			continue
		}
		if left.Max(d) < point[d] && point[d] < right.Min(d) {
			return domain.StatAnomaly{
				Kind:       domain.InGap,
				Value:      point[d],
				Dimension:  d,
				K:          t.k,
				LeftRange:  slices.Clone(left),
				RightRange: slices.Clone(right),
			}, true
		}
	}
	return domain.StatAnomaly{}, false
}

// nearest returns the leaf bounds in subtree i with the largest maximum
// (upper) or the smallest minimum (!upper) on dimension d.
func (t *Tree) nearest(i, d int, upper bool) Hrect {
	var best Hrect
	t.walkLeaves(i, func(b Hrect) {
		switch {
		case best == nil:
			best = b
		case upper && b.Max(d) > best.Max(d):
			best = b
		case !upper && b.Min(d) < best.Min(d):
			best = b
		}
	})
	return best
}
