//go:build !linux

package felis

// mappedRegion on non-Linux platforms is a plain heap allocation. There is
// no portable equivalent of mbind outside Linux's NUMA API, so binding is
// a documented no-op here; callers running on non-Linux targets get a
// correctly functioning but NUMA-unaware arena.
type mappedRegion struct {
	data []byte
}

func mapRegion(size int, node int) (*mappedRegion, error) {
	if node >= 0 {
		currentLogger().Info().
			Int("node", node).
			Log("NUMA binding is not implemented on this platform, arena region is unbound")
	}
	return &mappedRegion{data: make([]byte, size)}, nil
}

func (r *mappedRegion) release() error {
	r.data = nil
	return nil
}
