package dht

// Stats is a point-in-time snapshot of a Node's routing table and
// cache occupancy, grounded on the teacher's
// RoutingTable.GetTotalNodeCount / GetNodesByStatus introspection.
type Stats struct {
	// AliveContacts and DeadContacts partition every contact currently
	// held in the routing table by set_alive liveness (spec.md §3).
	AliveContacts int
	DeadContacts  int
	// CacheEntries is the total number of (id, subkey) values held
	// locally, authoritative and replica alike.
	CacheEntries int
}

// Stats reports the current size of the routing table and cache, for
// operators monitoring a running node.
func (n *Node) Stats() Stats {
	alive, dead := n.table.CountByLiveness()
	return Stats{
		AliveContacts: alive,
		DeadContacts:  dead,
		CacheEntries:  n.cache.Count(),
	}
}
