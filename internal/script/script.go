// Package script interprets allocation scripts against a pool and
// emits the result records. A script is a sequence of lines
//
//	<name> <numops> <type> [size]
//
// where type M performs numops allocations of size bytes tagged with
// the single-character name, and type F frees the allocation with
// 1-based index numops under name.
package script

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dkessler/mempool"
)

// Op is one parsed script line.
type Op struct {
	Name   byte
	NumOps int
	Type   byte // 'M' or 'F'
	Size   int  // only for 'M'
}

// ParseOp parses and validates a single script line.
func ParseOp(line string) (Op, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Op{}, fmt.Errorf("invalid line %q", line)
	}

	var op Op
	op.Name = fields[0][0]

	numOps, err := strconv.Atoi(fields[1])
	if err != nil {
		return Op{}, fmt.Errorf("invalid number in line %q", line)
	}
	op.NumOps = numOps

	op.Type = fields[2][0]
	if op.Type != 'M' && op.Type != 'F' {
		return Op{}, fmt.Errorf("invalid type in line %q", line)
	}
	if op.NumOps <= 0 {
		return Op{}, fmt.Errorf("invalid number in line %q", line)
	}

	if op.Type == 'M' {
		if len(fields) < 4 {
			return Op{}, fmt.Errorf("invalid size in line %q", line)
		}
		size, err := strconv.Atoi(fields[3])
		if err != nil || size <= 0 {
			return Op{}, fmt.Errorf("invalid size in line %q", line)
		}
		op.Size = size
	}
	return op, nil
}

// handle records the allocations performed under one M operation.
// Offsets are indexed 1..numops; absent slots hold -1.
type handle struct {
	name      byte
	offsets   []int
	numAllocs int
}

// Runner executes parsed operations against a pool and writes the
// result records to out.
type Runner struct {
	pool    *mempool.Pool
	out     io.Writer
	log     *zap.Logger
	handles []*handle
}

// NewRunner builds a runner writing result records to out.
func NewRunner(pool *mempool.Pool, out io.Writer, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{pool: pool, out: out, log: log}
}

// Run reads the script from in line by line and applies each operation.
// A malformed line aborts the run.
func (r *Runner) Run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		op, err := ParseOp(line)
		if err != nil {
			return err
		}
		if err := r.Apply(op); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Apply executes one operation.
func (r *Runner) Apply(op Op) error {
	switch op.Type {
	case 'M':
		r.applyMalloc(op)
		return nil
	case 'F':
		return r.applyFree(op)
	default:
		return fmt.Errorf("invalid operation type %q", op.Type)
	}
}

// applyMalloc performs op.NumOps allocations under a fresh handle. The
// very first allocation recorded against a fresh handle list announces
// itself as the first chunk. On failure the op stops early, and a
// handle with no successful allocation is pruned from the list.
func (r *Runner) applyMalloc(op Op) {
	first := len(r.handles) == 0

	h := &handle{name: op.Name, offsets: make([]int, op.NumOps+1)}
	for i := range h.offsets {
		h.offsets[i] = -1
	}
	r.handles = append(r.handles, h)

	for i := 1; i <= op.NumOps; i++ {
		off, err := r.pool.Alloc(op.Size)
		if err != nil {
			if h.numAllocs == 0 {
				r.handles = r.handles[:len(r.handles)-1]
			}
			fmt.Fprintf(r.out, "Allocation Error %c\n", op.Name)
			r.log.Debug("allocation error",
				zap.String("name", string(op.Name)),
				zap.Int("size", op.Size),
				zap.Error(err))
			break
		}

		h.offsets[i] = off
		h.numAllocs++

		if first {
			fmt.Fprintf(r.out, "Start of first Chunk %c is: %d\n", op.Name, off)
			first = false
		} else {
			fmt.Fprintf(r.out, "Start of Chunk %c is: %d\n", op.Name, off)
		}
	}
}

// applyFree releases the allocation with index op.NumOps under the
// first handle named op.Name. A name with no handle is ignored; an
// index that was never allocated (or already freed) is a script error.
func (r *Runner) applyFree(op Op) error {
	for _, h := range r.handles {
		if h.name != op.Name {
			continue
		}
		if op.NumOps >= len(h.offsets) || h.offsets[op.NumOps] < 0 {
			return fmt.Errorf("invalid 'F' request for %c index %d", op.Name, op.NumOps)
		}
		off := h.offsets[op.NumOps]

		r.pool.Free(off)

		h.offsets[op.NumOps] = -1
		h.numAllocs--

		fmt.Fprintf(r.out, "freed object %c at %d\n", op.Name, off)
		return nil
	}
	return nil
}
