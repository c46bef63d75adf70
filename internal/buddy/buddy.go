// Package buddy implements a buddy-system allocator over a fixed
// power-of-two region. The region is modeled as a binary tree: an
// internal node owns two half-size children, a leaf is either a hole
// or reserved memory. Placement is best-fit with a leftmost tie-break,
// so identical request histories always produce identical offsets.
package buddy

import (
	"errors"
	"fmt"
	"math/bits"

	"go.uber.org/zap"
)

var (
	// ErrOutOfMemory indicates no hole large enough for the request.
	ErrOutOfMemory = errors.New("buddy: out of memory")

	// ErrInvalidChunk indicates a chunk size that is not a power of
	// two or lies outside the tree's bounds.
	ErrInvalidChunk = errors.New("buddy: invalid chunk size")
)

type nodeState uint8

const (
	stateHole nodeState = iota
	stateAllocated
	stateInternal
)

// nilNode marks an absent node index.
const nilNode int32 = -1

// node is one tree entry. Nodes live in an arena and refer to each
// other by index, so the parent back-reference cannot form an
// ownership cycle. A node has children iff state == stateInternal.
type node struct {
	start  int
	size   int
	state  nodeState
	parent int32
	left   int32
	right  int32
}

// Stats carries counters for the metrics layer.
type Stats struct {
	Splits          uint64
	Merges          uint64
	ReservedBytes   int
	ReserveFailures uint64
}

// Tree is the buddy tree for one pool. Not safe for concurrent use.
type Tree struct {
	nodes    []node
	freeList []int32 // recycled arena slots
	root     int32
	total    int
	minChunk int
	stats    Stats
	log      *zap.Logger
}

// NewTree builds a tree whose root hole covers the whole region.
// total must be a power of two and at least minChunk, which must
// itself be a power of two.
func NewTree(total, minChunk int, log *zap.Logger) (*Tree, error) {
	if total <= 0 || bits.OnesCount(uint(total)) != 1 {
		return nil, fmt.Errorf("%w: total %d not a power of two", ErrInvalidChunk, total)
	}
	if minChunk <= 0 || bits.OnesCount(uint(minChunk)) != 1 {
		return nil, fmt.Errorf("%w: min chunk %d not a power of two", ErrInvalidChunk, minChunk)
	}
	if minChunk > total {
		return nil, fmt.Errorf("%w: min chunk %d exceeds total %d", ErrInvalidChunk, minChunk, total)
	}
	if log == nil {
		log = zap.NewNop()
	}
	t := &Tree{
		root:     0,
		total:    total,
		minChunk: minChunk,
		log:      log,
	}
	t.nodes = append(t.nodes, node{
		start:  0,
		size:   total,
		state:  stateHole,
		parent: nilNode,
		left:   nilNode,
		right:  nilNode,
	})
	return t, nil
}

// Total returns the number of bytes the tree manages.
func (t *Tree) Total() int { return t.total }

// MinChunk returns the smallest chunk the tree will produce.
func (t *Tree) MinChunk() int { return t.minChunk }

// Stats returns a copy of the tree's counters.
func (t *Tree) Stats() Stats { return t.stats }

// RoundChunk returns the smallest value in the sequence
// minChunk, 2*minChunk, ... that is >= n.
func (t *Tree) RoundChunk(n int) int {
	result := t.minChunk
	for n > result {
		result *= 2
	}
	return result
}

// Reserve finds the smallest leftmost hole able to hold chunkSize
// bytes, splits it down to exactly chunkSize, and marks the resulting
// leaf allocated. chunkSize must already be rounded via RoundChunk.
// On failure the tree is unchanged.
func (t *Tree) Reserve(chunkSize int) (int, error) {
	if chunkSize < t.minChunk || chunkSize > t.total || bits.OnesCount(uint(chunkSize)) != 1 {
		return -1, fmt.Errorf("%w: %d", ErrInvalidChunk, chunkSize)
	}

	placement := t.findPlacement(t.root, chunkSize)
	if placement == nilNode {
		t.stats.ReserveFailures++
		return -1, ErrOutOfMemory
	}

	for t.nodes[placement].size > chunkSize {
		placement = t.split(placement)
	}

	t.nodes[placement].state = stateAllocated
	t.stats.ReservedBytes += chunkSize

	off := t.nodes[placement].start
	t.log.Debug("buddy reserve",
		zap.Int("chunk_size", chunkSize),
		zap.Int("offset", off))
	return off, nil
}

// findPlacement returns the index of the smallest leftmost hole leaf
// with size >= chunkSize under idx, or nilNode.
func (t *Tree) findPlacement(idx int32, chunkSize int) int32 {
	n := &t.nodes[idx]

	// Reserved leaves hold user memory, nothing can be placed below.
	if n.state == stateAllocated {
		return nilNode
	}

	if n.state == stateHole && n.size >= chunkSize {
		return idx
	}

	// A subtree no larger than the request cannot contain a
	// sufficient hole unless it was an exact hole match above.
	if n.size <= chunkSize {
		return nilNode
	}

	if n.state != stateInternal {
		return nilNode
	}

	left := t.findPlacement(n.left, chunkSize)
	right := t.findPlacement(n.right, chunkSize)

	switch {
	case left != nilNode && right != nilNode:
		// Smaller hole wins; the left child breaks ties.
		if t.nodes[left].size <= t.nodes[right].size {
			return left
		}
		return right
	case left != nilNode:
		return left
	default:
		return right
	}
}

// split halves the hole at idx into two hole children and returns the
// left child, which continues the descent toward the target size.
func (t *Tree) split(idx int32) int32 {
	half := t.nodes[idx].size / 2
	start := t.nodes[idx].start

	left := t.newNode(node{
		start:  start,
		size:   half,
		state:  stateHole,
		parent: idx,
		left:   nilNode,
		right:  nilNode,
	})
	right := t.newNode(node{
		start:  start + half,
		size:   half,
		state:  stateHole,
		parent: idx,
		left:   nilNode,
		right:  nilNode,
	})

	n := &t.nodes[idx]
	n.left = left
	n.right = right
	n.state = stateInternal
	t.stats.Splits++

	return left
}

// newNode places n in the arena, recycling a freed slot when one
// exists, and returns its index.
func (t *Tree) newNode(n node) int32 {
	if ln := len(t.freeList); ln > 0 {
		idx := t.freeList[ln-1]
		t.freeList = t.freeList[:ln-1]
		t.nodes[idx] = n
		return idx
	}
	t.nodes = append(t.nodes, n)
	return int32(len(t.nodes) - 1)
}

// ReleaseAt transitions the allocated leaf starting at off back to a
// hole and coalesces upward. Offsets that do not name an allocated
// leaf are ignored.
func (t *Tree) ReleaseAt(off int) {
	idx := t.findLeafAt(off)
	if idx == nilNode || t.nodes[idx].state != stateAllocated {
		t.log.Warn("buddy release miss", zap.Int("offset", off))
		return
	}

	t.stats.ReservedBytes -= t.nodes[idx].size
	t.nodes[idx].state = stateHole
	t.log.Debug("buddy release",
		zap.Int("offset", off),
		zap.Int("chunk_size", t.nodes[idx].size))

	t.coalesce(t.nodes[idx].parent)
}

// findLeafAt descends to the leaf whose range covers off and returns
// its index when the leaf starts exactly at off.
func (t *Tree) findLeafAt(off int) int32 {
	if off < 0 || off >= t.total {
		return nilNode
	}
	idx := t.root
	for t.nodes[idx].state == stateInternal {
		right := t.nodes[idx].right
		if off >= t.nodes[right].start {
			idx = right
		} else {
			idx = t.nodes[idx].left
		}
	}
	if t.nodes[idx].start != off {
		return nilNode
	}
	return idx
}

// coalesce merges sibling holes from idx upward. A parent whose two
// children are both hole leaves absorbs them and becomes a hole leaf
// itself; merging stops at the root or at the first parent with a
// non-hole child.
func (t *Tree) coalesce(idx int32) {
	for idx != nilNode {
		n := &t.nodes[idx]
		if n.state != stateInternal {
			return
		}
		left, right := &t.nodes[n.left], &t.nodes[n.right]
		if left.state != stateHole || right.state != stateHole {
			return
		}

		t.freeList = append(t.freeList, n.left, n.right)
		n.left = nilNode
		n.right = nilNode
		n.state = stateHole
		t.stats.Merges++

		idx = n.parent
	}
}

// FreeBytes returns the number of bytes currently held by holes.
func (t *Tree) FreeBytes() int {
	return t.total - t.stats.ReservedBytes
}

// CheckShape walks the tree and verifies its structural invariants:
// internal nodes have exactly two half-size children at the expected
// offsets, leaves carry exactly one of the leaf states, and no two
// sibling leaves are both holes. Returns the first violation found.
func (t *Tree) CheckShape() error {
	return t.checkShape(t.root)
}

func (t *Tree) checkShape(idx int32) error {
	n := &t.nodes[idx]
	switch n.state {
	case stateHole, stateAllocated:
		if n.left != nilNode || n.right != nilNode {
			return fmt.Errorf("leaf at %d has children", n.start)
		}
		return nil
	case stateInternal:
		if n.left == nilNode || n.right == nilNode {
			return fmt.Errorf("internal node at %d missing children", n.start)
		}
		left, right := &t.nodes[n.left], &t.nodes[n.right]
		if left.size != n.size/2 || right.size != n.size/2 {
			return fmt.Errorf("children of node at %d are not half size", n.start)
		}
		if left.start != n.start || right.start != n.start+n.size/2 {
			return fmt.Errorf("children of node at %d have wrong offsets", n.start)
		}
		if left.parent != idx || right.parent != idx {
			return fmt.Errorf("children of node at %d have wrong parent", n.start)
		}
		if left.state == stateHole && right.state == stateHole {
			return fmt.Errorf("sibling holes at %d not coalesced", n.start)
		}
		if err := t.checkShape(n.left); err != nil {
			return err
		}
		return t.checkShape(n.right)
	default:
		return fmt.Errorf("node at %d has unknown state %d", n.start, n.state)
	}
}

// IsFullHole reports whether the tree has fully coalesced back into a
// single root hole covering the pool.
func (t *Tree) IsFullHole() bool {
	return t.nodes[t.root].state == stateHole
}
