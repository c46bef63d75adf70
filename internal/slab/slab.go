// Package slab layers fixed-size object pools on top of the buddy
// tree. Each live size class owns a descriptor holding one or more
// slabs; each slab is a buddy chunk carved into equal-width object
// slots tracked by a bitmap. Slabs are acquired from the buddy tree
// when a class runs out of slots and handed back once fully empty.
package slab

import (
	"math/bits"

	"go.uber.org/zap"

	"github.com/dkessler/mempool/internal/buddy"
	"github.com/dkessler/mempool/internal/header"
)

// Slab is one backing chunk of a size class. Object slot i occupies
// [start + 2*headerSize + i*objSize, ...); its header sits in the
// headerSize bytes below that. The first headerSize block of the chunk
// is skipped, preserving the published layout offsets.
type Slab struct {
	start  int
	bitmap []uint64
	used   int
}

// Start returns the offset of the slab's backing chunk in the pool.
func (s *Slab) Start() int { return s.start }

// Used returns the number of slots currently in use.
func (s *Slab) Used() int { return s.used }

func (s *Slab) setBit(i int)   { s.bitmap[i/64] |= 1 << (i % 64) }
func (s *Slab) clearBit(i int) { s.bitmap[i/64] &^= 1 << (i % 64) }
func (s *Slab) bit(i int) bool { return s.bitmap[i/64]&(1<<(i%64)) != 0 }

// firstFree returns the lowest clear bit below n, or -1 when the slab
// is full.
func (s *Slab) firstFree(n int) int {
	for w, word := range s.bitmap {
		if word == ^uint64(0) {
			continue
		}
		i := w*64 + bits.TrailingZeros64(^word)
		if i < n {
			return i
		}
	}
	return -1
}

// Descriptor groups the live slabs of one size class. objSize is the
// class key: the byte width of one object including its header.
type Descriptor struct {
	objSize int
	size    int // objSize * objsPerSlab
	slabs   []*Slab
}

// ObjSize returns the class key.
func (d *Descriptor) ObjSize() int { return d.objSize }

// Slabs returns the class's live slabs in creation order.
func (d *Descriptor) Slabs() []*Slab { return d.slabs }

// Table is the ordered collection of descriptors, keyed by objSize.
type Table struct {
	entries []*Descriptor
}

// Lookup returns the descriptor for objSize, or nil.
func (t *Table) Lookup(objSize int) *Descriptor {
	for _, e := range t.entries {
		if e.objSize == objSize {
			return e
		}
	}
	return nil
}

// Insert appends entry. The caller guarantees the key is absent.
func (t *Table) Insert(entry *Descriptor) {
	t.entries = append(t.entries, entry)
}

// Delete removes entry by identity.
func (t *Table) Delete(entry *Descriptor) {
	for i, e := range t.entries {
		if e == entry {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// Len returns the number of live descriptors.
func (t *Table) Len() int { return len(t.entries) }

// Stats carries slab-layer counters for the metrics layer.
type Stats struct {
	LiveClasses int
	LiveSlabs   int
	ObjectsUsed int
}

// Engine services object allocations for all size classes of a pool.
// Not safe for concurrent use.
type Engine struct {
	pool        []byte
	tree        *buddy.Tree
	table       Table
	codec       header.Codec
	headerSize  int
	objsPerSlab int
	log         *zap.Logger
}

// NewEngine builds a slab engine backed by tree over pool.
func NewEngine(pool []byte, tree *buddy.Tree, headerSize, objsPerSlab int, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		pool:        pool,
		tree:        tree,
		codec:       header.Codec{HeaderSize: headerSize},
		headerSize:  headerSize,
		objsPerSlab: objsPerSlab,
		log:         log,
	}
}

// Table exposes the descriptor table for inspection by tests and
// stats collection.
func (e *Engine) Table() *Table { return &e.table }

// Stats returns a snapshot of the slab-layer counters.
func (e *Engine) Stats() Stats {
	s := Stats{LiveClasses: len(e.table.entries)}
	for _, d := range e.table.entries {
		s.LiveSlabs += len(d.slabs)
		for _, sl := range d.slabs {
			s.ObjectsUsed += sl.used
		}
	}
	return s
}

// Alloc returns the user offset of a free object slot for a request of
// size bytes, taking a new backing chunk from the buddy tree when no
// existing slab of the class has room. The request size is written
// into the object's header before returning.
func (e *Engine) Alloc(size int) (int, error) {
	objSize := e.headerSize + size
	entry := e.table.Lookup(objSize)

	if entry != nil {
		if off, ok := e.takeSlot(entry); ok {
			e.codec.Write(e.pool, off, size)
			return off, nil
		}
	}

	// Every slab of this class is full, or the class is new: reserve
	// a fresh backing chunk. The chunk holds the slab's leading block
	// plus all objects, rounded up to a buddy size.
	chunkSize := e.tree.RoundChunk(e.headerSize + objSize*e.objsPerSlab)
	if chunkSize > e.tree.Total() {
		return -1, buddy.ErrOutOfMemory
	}
	start, err := e.tree.Reserve(chunkSize)
	if err != nil {
		return -1, err
	}

	s := &Slab{
		start:  start,
		bitmap: make([]uint64, (e.objsPerSlab+63)/64),
	}
	if entry == nil {
		entry = &Descriptor{
			objSize: objSize,
			size:    objSize * e.objsPerSlab,
			slabs:   []*Slab{s},
		}
		e.table.Insert(entry)
		e.log.Debug("slab class created", zap.Int("obj_size", objSize))
	} else {
		entry.slabs = append(entry.slabs, s)
	}
	e.log.Debug("slab reserved",
		zap.Int("obj_size", objSize),
		zap.Int("chunk_size", chunkSize),
		zap.Int("offset", start))

	off, _ := e.takeSlot(entry)
	e.codec.Write(e.pool, off, size)
	return off, nil
}

// takeSlot claims the lowest free slot in the first slab of entry that
// has one and returns its user offset.
func (e *Engine) takeSlot(entry *Descriptor) (int, bool) {
	for _, s := range entry.slabs {
		i := s.firstFree(e.objsPerSlab)
		if i < 0 {
			continue
		}
		s.setBit(i)
		s.used++
		return e.objOffset(s, entry, i), true
	}
	return -1, false
}

func (e *Engine) objOffset(s *Slab, entry *Descriptor, i int) int {
	return s.start + 2*e.headerSize + i*entry.objSize
}

// Free releases the object at user offset off. The object's class is
// recovered from its header. When the containing slab empties, its
// backing chunk goes back to the buddy tree; when the class loses its
// last slab, the descriptor is dropped. Offsets that cannot be matched
// to a live slab are ignored.
func (e *Engine) Free(off int) {
	size := e.codec.Read(e.pool, off)
	objSize := e.headerSize + size

	entry := e.table.Lookup(objSize)
	if entry == nil {
		e.log.Warn("slab free miss", zap.Int("offset", off))
		return
	}

	// Locate the slab whose backing chunk contains off.
	slabSpan := e.headerSize + objSize*e.objsPerSlab
	var s *Slab
	for _, cand := range entry.slabs {
		if off > cand.start && off < cand.start+slabSpan {
			s = cand
			break
		}
	}
	if s == nil {
		e.log.Warn("slab free miss", zap.Int("offset", off))
		return
	}

	rel := off - s.start - 2*e.headerSize
	if rel < 0 || rel%entry.objSize != 0 {
		e.log.Warn("slab free miss", zap.Int("offset", off))
		return
	}
	i := rel / entry.objSize
	if i >= e.objsPerSlab || !s.bit(i) {
		e.log.Warn("slab free miss", zap.Int("offset", off))
		return
	}

	s.clearBit(i)
	s.used--
	e.log.Debug("slab free",
		zap.Int("obj_size", objSize),
		zap.Int("offset", off))

	if s.used == 0 {
		e.removeSlab(entry, s)
		e.tree.ReleaseAt(s.start)
		e.log.Debug("slab released", zap.Int("offset", s.start))
	}
	if len(entry.slabs) == 0 {
		e.table.Delete(entry)
		e.log.Debug("slab class dropped", zap.Int("obj_size", objSize))
	}
}

func (e *Engine) removeSlab(entry *Descriptor, s *Slab) {
	for i, cand := range entry.slabs {
		if cand == s {
			entry.slabs = append(entry.slabs[:i], entry.slabs[i+1:]...)
			return
		}
	}
}
