package send

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/hqlink/internal/config"
	"github.com/nextlevelbuilder/hqlink/internal/hqerr"
)

// maxTrackedPeers caps the per-peer limiter map; the peer set is operator
// configured so this is a safety bound, not an expected ceiling.
const maxTrackedPeers = 1024

// limiters enforces the security.rate-limiting budget: a global token
// bucket plus one bucket per target peer. Zero limits disable enforcement.
type limiters struct {
	mu       sync.Mutex
	perPeer  map[string]*rate.Limiter
	global   *rate.Limiter
	peerRate int
}

func newLimiters(cfg config.RateLimitingConfig) *limiters {
	l := &limiters{perPeer: make(map[string]*rate.Limiter), peerRate: cfg.MaxMessagesPerMinute}
	if cfg.MaxMessagesPerMinuteGlobal > 0 {
		l.global = rate.NewLimiter(rate.Limit(float64(cfg.MaxMessagesPerMinuteGlobal)/60), cfg.MaxMessagesPerMinuteGlobal)
	}
	return l
}

// allow consumes one token for peer, failing fast with RATE_LIMITED when a
// bucket is empty.
func (l *limiters) allow(peer string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.global != nil && !l.global.Allow() {
		return hqerr.New(hqerr.CodeRateLimited, "global outbound rate limit exceeded")
	}
	if l.peerRate <= 0 {
		return nil
	}
	lim, ok := l.perPeer[peer]
	if !ok {
		if len(l.perPeer) >= maxTrackedPeers {
			for k := range l.perPeer {
				delete(l.perPeer, k)
				break
			}
		}
		lim = rate.NewLimiter(rate.Limit(float64(l.peerRate)/60), l.peerRate)
		l.perPeer[peer] = lim
	}
	if !lim.Allow() {
		return hqerr.Newf(hqerr.CodeRateLimited, "outbound rate limit for peer %q exceeded", peer)
	}
	return nil
}
