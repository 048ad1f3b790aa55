//go:build linux

package felis

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mappedRegion is an mmap-backed, NUMA-bound, mlocked allocation used as
// the backing store for an Arena's large bump region.
type mappedRegion struct {
	data []byte
}

// mbind node policy, mirroring MPOL_BIND from <linux/mempolicy.h>. x/sys/unix
// has no high-level mbind wrapper, so the raw syscall numbers are used
// directly, the same way this codebase reaches for unix.Syscall when a
// high-level wrapper doesn't exist for a platform-specific primitive.
const (
	mpolBind        = 2
	sysMbindNode    = unix.SYS_MBIND
	mpolMfStrict    = 1 << 0
	mpolMfMoveAll   = 1 << 1
)

func mapRegion(size int, node int) (*mappedRegion, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("felis: arena: mmap failed: %w", err)
	}

	if node >= 0 {
		if err := bindNode(data, node); err != nil {
			currentLogger().Warning().
				Int("node", node).
				Err(err).
				Log("failed to bind arena region to NUMA node, continuing unbound")
		}
	}

	if err := unix.Mlock(data); err != nil {
		currentLogger().Warning().
			Err(err).
			Log("failed to mlock arena region, continuing without swap protection")
	}

	return &mappedRegion{data: data}, nil
}

// bindNode applies a strict MPOL_BIND policy to the region so that pages
// are faulted in only from the given NUMA node, matching the "node-bound,
// strict" requirement of the per-epoch memory region.
func bindNode(data []byte, node int) error {
	if node < 0 || node >= 64 {
		return fmt.Errorf("felis: arena: node %d out of supported mask range", node)
	}
	mask := uint64(1) << uint(node)
	_, _, errno := unix.Syscall6(
		sysMbindNode,
		uintptr(unsafe.Pointer(&data[0])),
		uintptr(len(data)),
		uintptr(mpolBind),
		uintptr(unsafe.Pointer(&mask)),
		uintptr(64), // maxnode
		uintptr(mpolMfStrict|mpolMfMoveAll),
	)
	if errno != 0 {
		return errno
	}
	return nil
}

func (r *mappedRegion) release() error {
	if r.data == nil {
		return nil
	}
	_ = unix.Munlock(r.data)
	err := unix.Munmap(r.data)
	r.data = nil
	return err
}
