package retryafter

import (
	"net/http"
	"net/url"
	"sync"
	"time"
)

// sweepInterval is the minimum time between two removals of all expired
// deadlines.
const sweepInterval = time.Minute

// gate remembers, per URL, the instant before which the server asked not to
// be called again.
type gate struct {
	mu        sync.RWMutex
	until     map[string]time.Time
	nextSweep time.Time
}

func newGate() *gate {
	return &gate{until: make(map[string]time.Time)}
}

func gateKey(u *url.URL) string {
	k := *u
	k.Fragment = ""
	k.RawFragment = ""
	return k.String()
}

// observe updates the deadline of key from res: a parsable Retry-After sets
// it, a missing one clears it and an unparsable one leaves it untouched.
func (g *gate) observe(key string, res *http.Response, now time.Time) {
	raw, ok := res.Header[HeaderRetryAfter]
	if !ok || len(raw) == 0 {
		g.mu.Lock()
		delete(g.until, key)
		g.sweepLocked(now)
		g.mu.Unlock()
		return
	}

	v, err := Parse(raw[0])
	if err != nil {
		return
	}
	d := Resolve(v, now)
	g.mu.Lock()
	g.sweepLocked(now)
	if d > 0 {
		g.until[key] = now.Add(d)
	} else {
		delete(g.until, key)
	}
	g.mu.Unlock()
}

// sweepLocked removes the deadlines passed at now, at most once per
// sweepInterval. g.mu must be held for writing.
func (g *gate) sweepLocked(now time.Time) {
	if now.Before(g.nextSweep) {
		return
	}
	for k, t := range g.until {
		if !t.After(now) {
			delete(g.until, k)
		}
	}
	g.nextSweep = now.Add(sweepInterval)
}

// wait returns how long a request to key must be held at instant now. A
// deadline already passed is forgotten.
func (g *gate) wait(key string, now time.Time) time.Duration {
	g.mu.RLock()
	t, ok := g.until[key]
	g.mu.RUnlock()
	if !ok {
		return 0
	}

	if d := t.Sub(now); d > 0 {
		return d
	}
	g.mu.Lock()
	if cur, ok := g.until[key]; ok && !cur.After(now) {
		delete(g.until, key)
	}
	g.mu.Unlock()
	return 0
}

func (g *gate) size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.until)
}
