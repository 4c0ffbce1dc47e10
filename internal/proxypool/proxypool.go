// Package proxypool provides the built-in fallback sessiongroup.ProxyPool:
// a fixed address list assigned round-robin and released back to the
// rotation. Fleet-wide proxy provisioning is an external collaborator
// (spec.md §1); this is what a Worker falls back to when none is wired.
package proxypool

import "sync"

// Static hands out addrs from a fixed list, round-robin, with no health
// checking or lease tracking beyond what SessionGroup already does via
// sticky reuse.
type Static struct {
	mu    sync.Mutex
	addrs []string
	next  int
	inUse map[string]int
}

// NewStatic builds a Static pool over addrs. An empty list makes every
// Assign fail, which SessionGroup treats as "no proxy" (direct dial).
func NewStatic(addrs []string) *Static {
	return &Static{addrs: addrs, inUse: make(map[string]int)}
}

// Assign returns the least-used address in the pool. identityHandle and
// slot are accepted to satisfy sessiongroup.ProxyPool but otherwise
// unused: stickiness across reconnects is SessionGroup's job, not the
// pool's.
func (p *Static) Assign(identityHandle string, slot int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.addrs) == 0 {
		return "", false
	}
	addr := p.addrs[p.next%len(p.addrs)]
	p.next++
	p.inUse[addr]++
	return addr, true
}

// Release decrements the lease count for addr.
func (p *Static) Release(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse[addr] > 0 {
		p.inUse[addr]--
	}
}
