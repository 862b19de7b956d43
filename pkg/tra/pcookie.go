package tra

import (
	"sync/atomic"
)

// PCookieIPMap maps affinity tokens to upstream endpoint addresses. It is
// populated from TRA retrieve and subscribe responses and read by the router
// on every affinity resolution.
//
// Updates replace the map wholesale (copy-on-update); readers work against
// the snapshot they loaded, so lookups never block and never observe a
// partial merge.
type PCookieIPMap struct {
	snapshot atomic.Pointer[map[string]string]
}

// NewPCookieIPMap creates an empty map.
func NewPCookieIPMap() *PCookieIPMap {
	p := &PCookieIPMap{}
	empty := map[string]string{}
	p.snapshot.Store(&empty)
	return p
}

// Lookup returns the endpoint address for a token.
func (p *PCookieIPMap) Lookup(key string) (string, bool) {
	m := *p.snapshot.Load()
	v, ok := m[key]
	return v, ok
}

// Insert merges the given pairs into a new snapshot. Empty values are
// ignored.
func (p *PCookieIPMap) Insert(pairs map[string]string) {
	if len(pairs) == 0 {
		return
	}
	old := *p.snapshot.Load()
	next := make(map[string]string, len(old)+len(pairs))
	for k, v := range old {
		next[k] = v
	}
	for k, v := range pairs {
		if v != "" {
			next[k] = v
		}
	}
	p.snapshot.Store(&next)
}

// Len returns the number of cached tokens.
func (p *PCookieIPMap) Len() int {
	return len(*p.snapshot.Load())
}
