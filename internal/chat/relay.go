package chat

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultRelayCooldown = 8 * time.Second
	maxRelayEntries      = 2048
)

// normalizeRelayText lowercases and collapses whitespace runs so cosmetic
// differences do not defeat deduplication.
func normalizeRelayText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

type relayKey struct {
	sender    string
	recipient string
	text      string
}

// relayGate suppresses duplicate share relays: the same (sender, recipient,
// normalized text) triple passes at most once per cooldown window.
type relayGate struct {
	mu       sync.Mutex
	cooldown time.Duration
	recent   map[relayKey]time.Time
	now      func() time.Time
}

func newRelayGate(cooldown time.Duration) *relayGate {
	if cooldown <= 0 {
		cooldown = defaultRelayCooldown
	}
	return &relayGate{
		cooldown: cooldown,
		recent:   make(map[relayKey]time.Time),
		now:      time.Now,
	}
}

// allow reports whether a share from sender to recipient should be relayed,
// recording the attempt when it passes.
func (g *relayGate) allow(sender, recipient, text string) bool {
	key := relayKey{sender: sender, recipient: recipient, text: normalizeRelayText(text)}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.prune(now)
	if last, ok := g.recent[key]; ok && now.Sub(last) < g.cooldown {
		return false
	}
	g.recent[key] = now
	return true
}

func (g *relayGate) prune(now time.Time) {
	for key, ts := range g.recent {
		if now.Sub(ts) >= g.cooldown {
			delete(g.recent, key)
		}
	}
	// Hard cap against unbounded growth inside a single window: evict the
	// oldest records first so recent shares stay suppressed.
	if len(g.recent) >= maxRelayEntries {
		type aged struct {
			key relayKey
			ts  time.Time
		}
		entries := make([]aged, 0, len(g.recent))
		for key, ts := range g.recent {
			entries = append(entries, aged{key: key, ts: ts})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].ts.Before(entries[j].ts) })
		for _, e := range entries[:len(entries)-maxRelayEntries+1] {
			delete(g.recent, e.key)
		}
	}
}
