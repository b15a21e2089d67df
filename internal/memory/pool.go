package memory

import (
	"errors"
	"fmt"

	"github.com/fxnlabs/nn-gpu/internal/model"
)

// ErrPoolMapping is returned when a model or request pool cannot be mapped.
var ErrPoolMapping = errors.New("failed to map memory pool")

// PoolInfo is one mapped host region backing zero or more buffers.
type PoolInfo struct {
	Kind   Kind
	Memory model.Memory
	// Data is the host view of the pool.
	Data []byte

	// mapping is the whole mmap'd region of a file-backed pool, which starts
	// on a page boundary at or before Memory.Offset.
	mapping []byte
}

// Mapped reports whether the pool is a file mapping that must be flushed
// and unmapped.
func (p *PoolInfo) Mapped() bool {
	return p.mapping != nil
}

func mapPool(kind Kind, mem model.Memory) (*PoolInfo, error) {
	if mem.Size <= 0 {
		return nil, fmt.Errorf("%w: pool size %d", ErrPoolMapping, mem.Size)
	}
	p := &PoolInfo{Kind: kind, Memory: mem}
	switch mem.Kind {
	case model.MemoryShared:
		if len(mem.Data) < mem.Size {
			return nil, fmt.Errorf("%w: shared pool holds %d of %d bytes", ErrPoolMapping, len(mem.Data), mem.Size)
		}
		p.Data = mem.Data[:mem.Size]
	case model.MemoryFile:
		mapping, data, err := mapFile(mem.Fd, mem.Offset, mem.Size, kind != KindModel)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPoolMapping, err)
		}
		p.mapping, p.Data = mapping, data
	default:
		return nil, fmt.Errorf("%w: unknown memory kind %d", ErrPoolMapping, mem.Kind)
	}
	return p, nil
}

// sync flushes a file-backed pool to its file.
func (p *PoolInfo) sync() error {
	if p.mapping == nil {
		return nil
	}
	return syncFile(p.mapping)
}

func (p *PoolInfo) unmap() error {
	if p.mapping == nil {
		return nil
	}
	err := unmapFile(p.mapping)
	p.mapping, p.Data = nil, nil
	return err
}

func mapPools(kind Kind, pools []model.Memory) ([]*PoolInfo, error) {
	out := make([]*PoolInfo, 0, len(pools))
	for i, mem := range pools {
		p, err := mapPool(kind, mem)
		if err != nil {
			unmapPools(out)
			return nil, fmt.Errorf("%s pool %d: %w", kind, i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func unmapPools(pools []*PoolInfo) error {
	var errs []error
	for _, p := range pools {
		if err := p.unmap(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
