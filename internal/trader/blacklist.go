package trader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arbot/tradecore/internal/admin"
	"github.com/arbot/tradecore/internal/journal"
	"github.com/arbot/tradecore/pkg/types"
)

// marketBlacklist tracks markets the Runner has flagged as temporarily
// untradeable (spec.md §7's MarketDisabled/OrderMatchingDisabled
// handling): an in-memory expiry table backed by the durability journal
// so a restart doesn't immediately re-offer a market that was disabled
// moments before the crash.
type marketBlacklist struct {
	mu         sync.Mutex
	until      map[types.Market]time.Time
	defaultTTL time.Duration
	journal    *journal.Journal
	logger     *slog.Logger
}

func newMarketBlacklist(j *journal.Journal, defaultTTL time.Duration, logger *slog.Logger) *marketBlacklist {
	return &marketBlacklist{
		until:      make(map[types.Market]time.Time),
		defaultTTL: defaultTTL,
		journal:    j,
		logger:     logger.With("component", "blacklist"),
	}
}

// Add implements txintent.Blacklist. A zero ttl means "use the
// configured default", matching the Runner's blacklist.Add(market, 0)
// call on a permanent-looking MarketDisabled condition.
func (b *marketBlacklist) Add(market types.Market, ttl time.Duration) {
	if ttl <= 0 {
		ttl = b.defaultTTL
	}

	b.mu.Lock()
	b.until[market] = time.Now().Add(ttl)
	b.mu.Unlock()

	b.logger.Warn("blacklisting market", "market", market, "ttl", ttl)
	admin.IncMarketBlacklisted()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.journal.BlacklistMarket(ctx, market, ttl); err != nil {
		b.logger.Error("persist blacklist failed", "market", market, "error", err)
	}
}

func (b *marketBlacklist) isBlacklisted(market types.Market) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	until, ok := b.until[market]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(b.until, market)
		return false
	}
	return true
}

// loadPersisted seeds the in-memory table from the journal's
// active_blacklist rows at startup, so a restart respects a blacklist
// entry set just before the crash.
func (b *marketBlacklist) loadPersisted(ctx context.Context) error {
	rows, err := b.journal.ActiveBlacklist(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for marketStr := range rows {
		market, err := parseMarket(marketStr)
		if err != nil {
			continue
		}
		b.until[market] = time.Now().Add(b.defaultTTL)
	}
	return nil
}
