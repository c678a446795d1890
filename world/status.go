package world

// Status is per-peer heartbeat bookkeeping for one world (spec.md §3
// WorldStatus): the last heartbeat tick seen from a peer, and whether that
// peer has been declared dead. The watchdog package does not use this type;
// it keeps its own per-peer last-seen counters (worldWatch.lastSeen).
type Status struct {
	LastSeenTick uint64
	Broken       bool
}
