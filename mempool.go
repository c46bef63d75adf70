// Package mempool services malloc/free-style requests from a fixed,
// pre-supplied contiguous memory region. Two allocation policies are
// available over the same pool: a buddy allocator that splits and
// coalesces power-of-two chunks, and a slab allocator that layers
// fixed-size object pools on top of the buddy engine. Every returned
// value is a byte offset into the region; the caller's requested size
// is stashed in a header ahead of each offset so Free needs no policy
// knowledge from the caller.
package mempool

import (
	"errors"
	"fmt"
	"math/bits"

	"go.uber.org/zap"

	"github.com/dkessler/mempool/internal/buddy"
	"github.com/dkessler/mempool/internal/header"
	"github.com/dkessler/mempool/internal/slab"
)

// Policy selects the allocation strategy for the lifetime of a pool.
type Policy int

const (
	PolicyBuddy Policy = iota
	PolicySlab
)

func (p Policy) String() string {
	switch p {
	case PolicyBuddy:
		return "buddy"
	case PolicySlab:
		return "slab"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts the numeric selectors of the driver interface
// as well as the policy names.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "0", "buddy":
		return PolicyBuddy, nil
	case "1", "slab":
		return PolicySlab, nil
	default:
		return 0, fmt.Errorf("invalid policy %q", s)
	}
}

const (
	// DefaultMemorySize is the default pool length.
	DefaultMemorySize = 8 * 1024 * 1024

	// DefaultHeaderSize is the per-allocation header width.
	DefaultHeaderSize = 8

	// DefaultMinChunkSize is the smallest buddy chunk produced.
	DefaultMinChunkSize = 512

	// DefaultObjsPerSlab is the slot count of every slab.
	DefaultObjsPerSlab = 64
)

var (
	// ErrNoMemory indicates capacity exhaustion; the pool is unchanged.
	ErrNoMemory = buddy.ErrOutOfMemory

	// ErrInvalidSize indicates a non-positive request size.
	ErrInvalidSize = errors.New("mempool: invalid size")
)

// Options tunes a pool. The zero value selects the defaults above.
type Options struct {
	HeaderSize   int
	MinChunkSize int
	ObjsPerSlab  int
	Logger       *zap.Logger
}

func (o *Options) fill() error {
	if o.HeaderSize == 0 {
		o.HeaderSize = DefaultHeaderSize
	}
	if o.MinChunkSize == 0 {
		o.MinChunkSize = DefaultMinChunkSize
	}
	if o.ObjsPerSlab == 0 {
		o.ObjsPerSlab = DefaultObjsPerSlab
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.HeaderSize < header.WordLen {
		return fmt.Errorf("mempool: header size %d below %d", o.HeaderSize, header.WordLen)
	}
	if o.ObjsPerSlab <= 0 {
		return fmt.Errorf("mempool: objs per slab must be positive, got %d", o.ObjsPerSlab)
	}
	return nil
}

// Stats is the merged counter snapshot served to the metrics layer.
type Stats struct {
	Policy        Policy
	MemorySize    int
	Allocs        uint64
	Frees         uint64
	AllocFailures uint64
	BytesReserved int
	BuddySplits   uint64
	BuddyMerges   uint64
	LiveClasses   int
	LiveSlabs     int
	ObjectsUsed   int
}

// Pool is one configured allocator instance. All state is per-pool,
// so independent pools can coexist. Not safe for concurrent use.
type Pool struct {
	policy Policy
	mem    []byte
	opts   Options
	codec  header.Codec
	tree   *buddy.Tree
	slabs  *slab.Engine
	log    *zap.Logger

	allocs   uint64
	frees    uint64
	failures uint64
}

// Setup initializes a pool over mem with the given policy. The region
// length must be a power of two no smaller than the minimum chunk
// size. The pool takes no ownership of mem beyond bookkeeping: the
// caller maps and unmaps it.
func Setup(policy Policy, mem []byte, opts Options) (*Pool, error) {
	if policy != PolicyBuddy && policy != PolicySlab {
		return nil, fmt.Errorf("mempool: unknown policy %d", int(policy))
	}
	if err := opts.fill(); err != nil {
		return nil, err
	}
	if len(mem) == 0 || bits.OnesCount(uint(len(mem))) != 1 {
		return nil, fmt.Errorf("mempool: region length %d not a power of two", len(mem))
	}

	log := opts.Logger
	tree, err := buddy.NewTree(len(mem), opts.MinChunkSize, log)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		policy: policy,
		mem:    mem,
		opts:   opts,
		codec:  header.Codec{HeaderSize: opts.HeaderSize},
		tree:   tree,
		log:    log,
	}
	if policy == PolicySlab {
		p.slabs = slab.NewEngine(mem, tree, opts.HeaderSize, opts.ObjsPerSlab, log)
	}

	log.Info("pool ready",
		zap.Stringer("policy", policy),
		zap.Int("memory_size", len(mem)),
		zap.Int("header_size", opts.HeaderSize),
		zap.Int("min_chunk_size", opts.MinChunkSize),
		zap.Int("objs_per_slab", opts.ObjsPerSlab))
	return p, nil
}

// Policy returns the pool's fixed policy.
func (p *Pool) Policy() Policy { return p.policy }

// MemorySize returns the pool length in bytes.
func (p *Pool) MemorySize() int { return len(p.mem) }

// Alloc reserves size bytes and returns the user offset into the
// region, or -1 and ErrNoMemory when capacity is exhausted. The
// requested size is recorded in the header ahead of the offset.
func (p *Pool) Alloc(size int) (int, error) {
	if size <= 0 {
		return -1, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	var (
		off int
		err error
	)
	switch p.policy {
	case PolicySlab:
		off, err = p.slabs.Alloc(size)
	default:
		off, err = p.buddyAlloc(size)
	}
	if err != nil {
		p.failures++
		p.log.Debug("alloc failed", zap.Int("size", size), zap.Error(err))
		return -1, err
	}
	p.allocs++
	return off, nil
}

func (p *Pool) buddyAlloc(size int) (int, error) {
	chunkSize := p.tree.RoundChunk(size + p.opts.HeaderSize)
	if chunkSize > p.tree.Total() {
		return -1, ErrNoMemory
	}
	start, err := p.tree.Reserve(chunkSize)
	if err != nil {
		return -1, err
	}
	off := start + p.opts.HeaderSize
	p.codec.Write(p.mem, off, size)
	return off, nil
}

// Free returns the allocation at user offset off to the pool. Offsets
// that do not name a live allocation are ignored.
func (p *Pool) Free(off int) {
	switch p.policy {
	case PolicySlab:
		p.slabs.Free(off)
	default:
		p.tree.ReleaseAt(off - p.opts.HeaderSize)
	}
	p.frees++
}

// ReadSize returns the request size recorded ahead of a live user
// offset.
func (p *Pool) ReadSize(off int) int {
	return p.codec.Read(p.mem, off)
}

// Stats returns a merged snapshot of pool, buddy, and slab counters.
func (p *Pool) Stats() Stats {
	ts := p.tree.Stats()
	s := Stats{
		Policy:        p.policy,
		MemorySize:    len(p.mem),
		Allocs:        p.allocs,
		Frees:         p.frees,
		AllocFailures: p.failures,
		BytesReserved: ts.ReservedBytes,
		BuddySplits:   ts.Splits,
		BuddyMerges:   ts.Merges,
	}
	if p.slabs != nil {
		ss := p.slabs.Stats()
		s.LiveClasses = ss.LiveClasses
		s.LiveSlabs = ss.LiveSlabs
		s.ObjectsUsed = ss.ObjectsUsed
	}
	return s
}

// Tree exposes the buddy tree for invariant checks in tests.
func (p *Pool) Tree() *buddy.Tree { return p.tree }

// SlabTable exposes the slab descriptor table for tests; nil under the
// buddy policy.
func (p *Pool) SlabTable() *slab.Table {
	if p.slabs == nil {
		return nil
	}
	return p.slabs.Table()
}
