package communicator

import "sync"

// worldExtent is what the size registry remembers about a registered world:
// its size, for rank-bound checks, and this process's own local rank, for
// the gather/scatter ops whose list-length requirement only binds at the
// root rank (spec.md §5.2; mirrors transport/loopback's b.rank == dst/src
// conditional checks).
type worldExtent struct {
	size      int
	localRank int
}

// sizeRegistry is the per-world extent table backing rank/list-length
// validation: the worldmanager.Manager populates it as worlds join and
// leave. A world absent from the registry (a Communicator used directly,
// without a Manager) simply skips size-bound validation, matching
// brokenSet's shape.
type sizeRegistry struct {
	mu      sync.RWMutex
	extents map[string]worldExtent
}

func newSizeRegistry() sizeRegistry {
	return sizeRegistry{extents: make(map[string]worldExtent)}
}

func (s *sizeRegistry) set(world string, size, localRank int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extents[world] = worldExtent{size: size, localRank: localRank}
}

func (s *sizeRegistry) unset(world string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.extents, world)
}

func (s *sizeRegistry) get(world string) (extent worldExtent, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	extent, ok = s.extents[world]
	return extent, ok
}
