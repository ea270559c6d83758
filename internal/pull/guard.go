package pull

import (
	"net/netip"

	"golang.org/x/sync/semaphore"
)

// maxConnectionsGuard bounds concurrent handlers per source IP. Each IP
// gets its own semaphore; permits never queue — a connection that cannot
// acquire one immediately is rejected. Entries accrete for the guard's
// lifetime, which is one bind of the listener.
type maxConnectionsGuard struct {
	max  int64
	sems map[netip.Addr]*semaphore.Weighted
}

func newMaxConnectionsGuard(max int) *maxConnectionsGuard {
	return &maxConnectionsGuard{
		max:  int64(max),
		sems: make(map[netip.Addr]*semaphore.Weighted),
	}
}

// tryAcquire claims a permit for ip. On success it returns the release
// function the handler must call exactly once when it exits, on success
// or failure.
func (g *maxConnectionsGuard) tryAcquire(ip netip.Addr) (release func(), ok bool) {
	sem, exists := g.sems[ip]
	if !exists {
		sem = semaphore.NewWeighted(g.max)
		g.sems[ip] = sem
	}
	if !sem.TryAcquire(1) {
		return nil, false
	}
	return func() { sem.Release(1) }, true
}
