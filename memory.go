package ahv

// MemPerm represents guest memory permissions. The values match the
// framework's hv_memory_flags_t bits, so combinations can be passed through
// unchanged.
type MemPerm uint64

const (
	MemRead  MemPerm = 1 << 0
	MemWrite MemPerm = 1 << 1
	MemExec  MemPerm = 1 << 2
)

const memPermAll = MemRead | MemWrite | MemExec

// AllocationHandle is an opaque identifier for a host memory region owned
// by a VM. Handles stay valid until the allocation is deallocated or the VM
// is closed.
type AllocationHandle uint64

// MappingInfo describes one live guest mapping.
type MappingInfo struct {
	Handle       AllocationHandle
	GuestAddress uint64
	Size         uint64
	Permission   MemPerm
}

// allocation tracks one host region in the VM's registry.
type allocation struct {
	region []byte // page-granular backing memory
}

// mapping is one entry of the VM's guest address mapping table.
type mapping struct {
	handle AllocationHandle
	addr   uint64
	size   uint64
	perm   MemPerm
}

// overlaps reports whether [addr, addr+size) intersects the mapping.
func (m mapping) overlaps(addr, size uint64) bool {
	return addr < m.addr+m.size && m.addr < addr+size
}

func checkPerm(perm MemPerm) error {
	if perm == 0 {
		return errf(KindInvalidArgument, "mapping requires at least one permission bit")
	}
	if perm&^memPermAll != 0 {
		return errf(KindInvalidArgument, "invalid permission bits 0x%x", uint64(perm))
	}
	return nil
}

// roundUpToPage rounds size up to the next multiple of pageSize.
// pageSize must be a power of two.
func roundUpToPage(size, pageSize uint64) uint64 {
	return (size + pageSize - 1) &^ (pageSize - 1)
}

func isAligned(addr, pageSize uint64) bool {
	return addr&(pageSize-1) == 0
}
