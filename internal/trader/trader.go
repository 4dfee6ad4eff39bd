// Package trader is the Trader Top Level (spec.md §4.1/§5): the
// orchestrator that wires every other package together into a running
// arbitrage bot.
//
// Grounded on the teacher's internal/engine/engine.go orchestrator
// shape: a struct that owns every subsystem's lifecycle (New → Start →
// Stop), a context+WaitGroup pair all background goroutines share, and
// a periodic reconciliation loop that starts/stops per-market work in
// reaction to an external signal. The teacher's marketSlot (one Book +
// Inventory + Maker per market) becomes here one Scheduler + Processor
// pair per (market, side); the teacher's scanner.Results() becomes the
// Path Enumerator's periodic Enumerate() call; the teacher's risk kill
// switch becomes the balance-reservation gate in internal/risk.
package trader

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arbot/tradecore/internal/admin"
	"github.com/arbot/tradecore/internal/config"
	"github.com/arbot/tradecore/internal/exchange"
	"github.com/arbot/tradecore/internal/instant"
	"github.com/arbot/tradecore/internal/journal"
	"github.com/arbot/tradecore/internal/orderbook"
	"github.com/arbot/tradecore/internal/pathfind"
	"github.com/arbot/tradecore/internal/processor"
	"github.com/arbot/tradecore/internal/risk"
	"github.com/arbot/tradecore/internal/scheduler"
	"github.com/arbot/tradecore/internal/txintent"
	"github.com/arbot/tradecore/pkg/types"
)

// balanceRefreshInterval governs how often the risk Manager's known
// balances are refreshed from the exchange.
const balanceRefreshInterval = 30 * time.Second

// schedKey identifies one (market, side) Scheduler + Processor pair.
type schedKey struct {
	Market types.Market
	Side   types.OrderType
}

// schedEntry is one live Scheduler + Processor pair plus the channels
// the Trader fans account notifications and connection state into.
type schedEntry struct {
	sched    *scheduler.Scheduler
	proc     *processor.Processor
	notifyCh chan types.AccountNotification
	connCh   chan bool
	cancel   context.CancelFunc
}

// reservation tracks balance reserved against a root intent's entire
// chain, released only once no live intent descends from that root —
// see internal/txintent.Manager.AnyWithRoot.
type reservation struct {
	currency types.Currency
	amount   decimal.Decimal
}

// Trader is the top-level orchestrator.
type Trader struct {
	cfg config.Config

	client  *exchange.Client
	auth    *exchange.Auth
	mktFeed *exchange.WSFeed
	usrFeed *exchange.WSFeed

	books *orderbook.Cache
	fees  *orderbook.FeeStream
	graph *pathfind.Graph

	instantExec *instant.Executor
	riskMgr     *risk.Manager
	journal     *journal.Journal
	intentMgr   *txintent.Manager
	runner      *txintent.Runner
	blacklist   *marketBlacklist

	primaryCurrencies []types.Currency
	endCurrencies     map[types.Currency]bool
	minTradeAmount    decimal.Decimal
	pathFindInterval  time.Duration

	schedMu sync.Mutex
	scheds  map[schedKey]*schedEntry

	reserveMu    sync.Mutex
	reservations map[string]reservation

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every subsystem against cfg without starting any goroutine.
func New(cfg config.Config, logger *slog.Logger) (*Trader, error) {
	minTradeAmount, err := decimal.NewFromString(cfg.Trading.MinTradeAmount)
	if err != nil {
		return nil, fmt.Errorf("trader: invalid trading.min_trade_amount: %w", err)
	}

	marketSpeeds, err := parseMarketSpeeds(cfg.Trading.Markets)
	if err != nil {
		return nil, err
	}

	defaultMaker, err := decimal.NewFromString(cfg.Trading.DefaultMakerFee)
	if err != nil {
		return nil, fmt.Errorf("trader: invalid trading.default_maker_fee: %w", err)
	}
	defaultTaker, err := decimal.NewFromString(cfg.Trading.DefaultTakerFee)
	if err != nil {
		return nil, fmt.Errorf("trader: invalid trading.default_taker_fee: %w", err)
	}

	auth := exchange.NewAuth(cfg.API.ApiKey, cfg.API.Secret, cfg.API.Passphrase)
	client := exchange.NewClient(cfg, auth, logger)
	mktFeed := exchange.NewMarketFeed(cfg.API.WSMarketURL, logger)
	usrFeed := exchange.NewUserFeed(cfg.API.WSUserURL, auth, logger)

	books := orderbook.New(mktFeed, logger)
	fees := orderbook.NewFeeStream()
	for market := range marketSpeeds {
		fees.Update(market, types.FeeMultiplier{Maker: defaultMaker, Taker: defaultTaker})
	}

	graph := pathfind.NewGraph(marketSpeeds, books, fees)
	instantExec := instant.New(books, client, cfg.Instant, logger)

	riskMgr, err := risk.NewManager(cfg.Risk, minTradeAmount, logger)
	if err != nil {
		return nil, fmt.Errorf("trader: %w", err)
	}

	jrnl, err := journal.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("trader: open journal: %w", err)
	}

	intentMgr := txintent.NewManager()
	blacklist := newMarketBlacklist(jrnl, cfg.Trading.BlacklistTTL, logger)

	primary := make([]types.Currency, 0, len(cfg.Trading.PrimaryCurrencies))
	endCurrencies := make(map[types.Currency]bool, len(cfg.Trading.PrimaryCurrencies))
	for _, c := range cfg.Trading.PrimaryCurrencies {
		primary = append(primary, types.Currency(c))
		endCurrencies[types.Currency(c)] = true
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &Trader{
		cfg:               cfg,
		client:            client,
		auth:              auth,
		mktFeed:           mktFeed,
		usrFeed:           usrFeed,
		books:             books,
		fees:              fees,
		graph:             graph,
		instantExec:       instantExec,
		riskMgr:           riskMgr,
		journal:           jrnl,
		intentMgr:         intentMgr,
		blacklist:         blacklist,
		primaryCurrencies: primary,
		endCurrencies:     endCurrencies,
		minTradeAmount:    minTradeAmount,
		pathFindInterval:  cfg.Trading.PathFindInterval,
		scheds:            make(map[schedKey]*schedEntry),
		reservations:      make(map[string]reservation),
		logger:            logger.With("component", "trader"),
		ctx:               ctx,
		cancel:            cancel,
	}

	t.runner = txintent.NewRunner(intentMgr, instantExec, t.schedulerLookup, fees.Get, t.quoteChain, t.processorLookup, t.replan, blacklist, jrnl, minTradeAmount, logger)

	return t, nil
}

// Intents implements admin.StatusProvider.
func (t *Trader) Intents() []txintent.Snapshot { return t.intentMgr.All() }

// Balances implements admin.StatusProvider.
func (t *Trader) Balances() []risk.CurrencySnapshot { return t.riskMgr.Snapshot() }

// ActiveMarkets implements admin.StatusProvider, listing every (market,
// side) pair with a live Scheduler/Processor pair.
func (t *Trader) ActiveMarkets() []string {
	t.schedMu.Lock()
	defer t.schedMu.Unlock()

	out := make([]string, 0, len(t.scheds))
	for key := range t.scheds {
		out = append(out, fmt.Sprintf("%s:%s", key.Market, key.Side))
	}
	return out
}

// parseMarketSpeeds turns the configured "BASE_QUOTE" -> speed table into
// pathfind.Graph's market universe.
func parseMarketSpeeds(raw map[string]string) (map[types.Market]types.Speed, error) {
	out := make(map[types.Market]types.Speed, len(raw))
	for marketStr, speedStr := range raw {
		market, err := parseMarket(marketStr)
		if err != nil {
			return nil, fmt.Errorf("trader: trading.markets: %w", err)
		}
		speed := types.Speed(strings.ToUpper(speedStr))
		if speed != types.Instant && speed != types.Delayed {
			return nil, fmt.Errorf("trader: trading.markets: unknown speed %q for %s", speedStr, marketStr)
		}
		out[market] = speed
	}
	return out, nil
}

func parseMarket(s string) (types.Market, error) {
	parts := strings.SplitN(s, "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return types.Market{}, fmt.Errorf("malformed market %q, want BASE_QUOTE", s)
	}
	return types.Market{Base: types.Currency(parts[0]), Quote: types.Currency(parts[1])}, nil
}

// Migrate applies the durability journal's schema. Callers run this once
// before Start, outside the Trader's own lifecycle, so a failed migration
// never leaves half-started goroutines to tear down.
func (t *Trader) Migrate(ctx context.Context) error {
	return t.journal.Migrate(ctx)
}

// Start launches every background goroutine: the WebSocket feeds, the
// Order Book Cache, notification and connection-state fan-out, the
// balance refresher, crash recovery, and the periodic path-find loop.
func (t *Trader) Start() error {
	if err := t.blacklist.loadPersisted(t.ctx); err != nil {
		t.logger.Warn("loading persisted blacklist failed", "error", err)
	}

	t.spawn("market_feed", func() error { return t.mktFeed.Run(t.ctx) })
	t.spawn("user_feed", func() error { return t.usrFeed.Run(t.ctx) })
	t.spawn("book_cache", func() error { return t.books.Run(t.ctx) })

	t.wg.Add(1)
	go func() { defer t.wg.Done(); t.dispatchNotifications() }()

	t.wg.Add(1)
	go func() { defer t.wg.Done(); t.dispatchConnState() }()

	t.wg.Add(1)
	go func() { defer t.wg.Done(); t.refreshBalancesLoop() }()

	t.wg.Add(1)
	go func() { defer t.wg.Done(); t.recoverActiveIntents() }()

	t.wg.Add(1)
	go func() { defer t.wg.Done(); t.planLoop() }()

	return nil
}

// spawn runs fn under the shared WaitGroup, logging any error that
// surfaces after a non-cancellation shutdown.
func (t *Trader) spawn(name string, fn func() error) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := fn(); err != nil && t.ctx.Err() == nil {
			t.logger.Error("background task exited", "task", name, "error", err)
		}
	}()
}

// Stop cancels every goroutine, cancels resting orders as a safety net,
// and waits for a clean shutdown.
func (t *Trader) Stop() {
	t.logger.Info("shutting down")
	t.cancel()

	t.schedMu.Lock()
	for _, entry := range t.scheds {
		entry.cancel()
	}
	t.schedMu.Unlock()

	t.wg.Wait()

	t.mktFeed.Close()
	t.usrFeed.Close()
	if err := t.journal.Close(); err != nil {
		t.logger.Error("journal close failed", "error", err)
	}
	t.logger.Info("shutdown complete")
}

// dispatchNotifications fans every account notification out to every
// live Processor's notify channel; each Processor discards notifications
// whose OrderID isn't its own live order.
func (t *Trader) dispatchNotifications() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case n, ok := <-t.usrFeed.AccountNotificationStream():
			if !ok {
				return
			}
			t.schedMu.Lock()
			for _, entry := range t.scheds {
				select {
				case entry.notifyCh <- n:
				default:
					t.logger.Warn("processor notify channel full, dropping notification")
				}
			}
			t.schedMu.Unlock()
		}
	}
}

// dispatchConnState fans the user feed's connection state out to every
// live Processor so each one can enter disconnect recovery.
func (t *Trader) dispatchConnState() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case up, ok := <-t.usrFeed.ConnectionStateStream():
			if !ok {
				return
			}
			t.schedMu.Lock()
			for _, entry := range t.scheds {
				select {
				case entry.connCh <- up:
				default:
				}
			}
			t.schedMu.Unlock()
		}
	}
}

// refreshBalancesLoop periodically polls the exchange's balances into
// the risk Manager, since the account notification stream carries no
// balance payload of its own.
func (t *Trader) refreshBalancesLoop() {
	ticker := time.NewTicker(balanceRefreshInterval)
	defer ticker.Stop()

	t.refreshBalancesOnce()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.refreshBalancesOnce()
		}
	}
}

func (t *Trader) refreshBalancesOnce() {
	ctx, cancel := context.WithTimeout(t.ctx, 10*time.Second)
	defer cancel()

	balances, err := t.client.GetBalances(ctx)
	if err != nil {
		t.logger.Warn("balance refresh failed", "error", err)
		return
	}
	for currency, amount := range balances {
		t.riskMgr.UpdateBalance(currency, amount)
	}
}

// recoverActiveIntents implements spec.md §7's crash-recovery pass: every
// row journal.LoadActive returns was mid-flight when the process last
// stopped, and is resumed exactly where it left off rather than replayed
// from scratch — Processor and Scheduler state is rebuilt fresh, but the
// Intent's recorded Markets/MarketIdx/Trades already capture everything
// committed so far.
func (t *Trader) recoverActiveIntents() {
	ctx, cancel := context.WithTimeout(t.ctx, 30*time.Second)
	defer cancel()

	intents, err := t.journal.LoadActive(ctx)
	if err != nil {
		t.logger.Error("crash recovery: load active intents failed", "error", err)
		return
	}

	for _, in := range intents {
		if in.RootID == "" {
			in.RootID = in.ID
		}
		t.logger.Info("resuming recovered intent", "intent", in.ID, "step", in.MarketIdx)
		in := in
		go t.runner.Run(t.ctx, in)
	}
}

// planLoop periodically re-enumerates candidate paths and starts any
// that clear the profitability and balance gates.
func (t *Trader) planLoop() {
	ticker := time.NewTicker(t.pathFindInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.planTick()
		}
	}
}

func (t *Trader) planTick() {
	inFlight := t.inFlightShapes()

	for _, currency := range t.primaryCurrencies {
		available := t.riskMgr.Available(currency)
		if !t.riskMgr.MeetsMinimum(available) {
			continue
		}

		paths := t.graph.Enumerate(currency, available, t.endCurrencies, inFlight)
		admin.IncPathsEnumerated(string(currency), len(paths))
		for _, path := range paths {
			if !path.Profit().IsPositive() {
				break
			}
			if t.pathBlacklisted(path) {
				continue
			}
			if t.tryStartPath(currency, path) {
				admin.IncPathStarted(string(currency))
				break
			}
		}
	}

	admin.SetIntentsActive(len(t.intentMgr.All()))
	t.schedMu.Lock()
	admin.SetSchedulersActive(len(t.scheds))
	t.schedMu.Unlock()
	for _, c := range t.riskMgr.Snapshot() {
		f, _ := c.InUse.Float64()
		admin.SetReservedBalance(string(c.Currency), f)
	}
}

func (t *Trader) pathBlacklisted(path pathfind.ExhaustivePath) bool {
	for _, step := range path.Chain {
		if t.blacklist.isBlacklisted(step.Market) {
			return true
		}
	}
	return false
}

// tryStartPath reserves path's opening amount against currency and, if
// successful, spawns a root Intent to drive the chain. The reservation
// is released once no intent descending from this root remains live.
func (t *Trader) tryStartPath(initCurrency types.Currency, path pathfind.ExhaustivePath) bool {
	amt := path.FromAmount()
	if err := t.riskMgr.Reserve(initCurrency, amt); err != nil {
		return false
	}

	markets := make([]txintent.TranIntentMarket, 0, len(path.Chain))
	leg := initCurrency
	for _, step := range path.Chain {
		markets = append(markets, txintent.TranIntentMarket{
			Kind:         txintent.Predicted,
			Market:       step.Market,
			Speed:        step.Speed,
			FromCurrency: leg,
			FromAmount:   step.FromAmount,
		})
		leg = step.Market.Other(leg)
	}

	id := txintent.NewID()
	in := &txintent.Intent{ID: id, RootID: id, Markets: markets, MarketIdx: 0, InitCurrency: initCurrency, InitAmount: amt}

	t.trackReservation(id, reservation{currency: initCurrency, amount: amt})

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.runner.Run(t.ctx, in)
		t.watchReservation(id)
	}()

	return true
}

// watchReservation blocks (with periodic checks) until no intent
// descending from id remains registered, then releases the balance
// reserved for it.
func (t *Trader) watchReservation(rootID string) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			t.releaseReservation(rootID)
			return
		case <-ticker.C:
			if !t.intentMgr.AnyWithRoot(rootID) {
				t.releaseReservation(rootID)
				return
			}
		}
	}
}

func (t *Trader) trackReservation(rootID string, r reservation) {
	t.reserveMu.Lock()
	t.reservations[rootID] = r
	t.reserveMu.Unlock()
}

func (t *Trader) releaseReservation(rootID string) {
	t.reserveMu.Lock()
	r, ok := t.reservations[rootID]
	delete(t.reservations, rootID)
	t.reserveMu.Unlock()
	if ok {
		t.riskMgr.Release(r.currency, r.amount)
	}
}

func (t *Trader) inFlightShapes() map[string]bool {
	// The Enumerator only needs to know which chain *shapes* are already
	// committed so it doesn't immediately re-offer the same path; exact
	// amounts in flight are already reflected in the risk Manager's
	// available-balance figure.
	t.reserveMu.Lock()
	defer t.reserveMu.Unlock()
	shapes := make(map[string]bool, len(t.reservations))
	for id := range t.reservations {
		shapes[id] = true
	}
	return shapes
}

// replan implements the Replanner the Runner calls on NOT_PROFITABLE:
// search for a fresh tail starting at (fromCurrency, fromAmount) and
// return it as a one-step (or more) TranIntentMarket slice.
func (t *Trader) replan(fromCurrency types.Currency, fromAmount decimal.Decimal) ([]txintent.TranIntentMarket, bool) {
	paths := t.graph.Enumerate(fromCurrency, fromAmount, t.endCurrencies, nil)
	for _, path := range paths {
		if !path.Profit().IsPositive() || t.pathBlacklisted(path) {
			continue
		}
		markets := make([]txintent.TranIntentMarket, 0, len(path.Chain))
		currency := fromCurrency
		for _, step := range path.Chain {
			markets = append(markets, txintent.TranIntentMarket{
				Kind:         txintent.Predicted,
				Market:       step.Market,
				Speed:        step.Speed,
				FromCurrency: currency,
				FromAmount:   step.FromAmount,
			})
			currency = step.Market.Other(currency)
		}
		return markets, true
	}
	return nil, false
}

// schedulerLookup resolves (lazily creating) the Scheduler+Processor pair
// owning (market, side), implementing txintent.SchedulerLookup.
func (t *Trader) schedulerLookup(market types.Market, side types.OrderType) (txintent.SchedulerHandle, bool) {
	key := schedKey{Market: market, Side: side}

	t.schedMu.Lock()
	defer t.schedMu.Unlock()

	entry, ok := t.scheds[key]
	if ok {
		return entry.sched, true
	}

	bookCh, unsubscribe := t.books.Subscribe(market)
	_ = bookCh // Processor reads via BookSource.Latest; the subscription keeps the Cache's upstream alive.

	sched := scheduler.New(market, side, t.logger)
	notifyCh := make(chan types.AccountNotification, 64)
	connCh := make(chan bool, 8)

	procCtx, procCancel := context.WithCancel(t.ctx)
	proc := processor.New(market, side, decimal.New(1, -int32(types.Scale)), t.client, t.books, sched, notifyCh, connCh, nil, t.logger)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer unsubscribe()
		if err := proc.Run(procCtx); err != nil && procCtx.Err() == nil {
			t.logger.Error("processor exited", "market", market, "side", side, "error", err)
		}
	}()

	t.scheds[key] = &schedEntry{sched: sched, proc: proc, notifyCh: notifyCh, connCh: connCh, cancel: procCancel}
	return sched, true
}

// processorLookup resolves the live Processor owning (market, side),
// implementing txintent.ProcessorLookup — used by an INSTANT_STEP to
// pause the opposite side before its fill-or-kill call. It never
// creates a Scheduler+Processor pair that doesn't already exist: an
// Instant step pausing a side with no resting order to begin with is a
// no-op by construction, not a reason to spin one up.
func (t *Trader) processorLookup(market types.Market, side types.OrderType) (txintent.ProcessorHandle, bool) {
	key := schedKey{Market: market, Side: side}

	t.schedMu.Lock()
	defer t.schedMu.Unlock()

	entry, ok := t.scheds[key]
	if !ok {
		return nil, false
	}
	return entry.proc, true
}

// quoteChain implements txintent.ChainQuoter: project the intent's
// remaining steps forward from remainingFrom using the same book-walk
// the Path Enumerator uses, so the DELAYED_STEP profit monitor can
// recompute predicted_target without its own copy of the book logic.
func (t *Trader) quoteChain(in *txintent.Intent, remainingFrom decimal.Decimal) (decimal.Decimal, bool) {
	amt := remainingFrom
	for i := in.MarketIdx; i < len(in.Markets); i++ {
		step := in.Markets[i]
		fee, ok := t.fees.Get(step.Market)
		if !ok {
			fee = types.FeeMultiplier{Maker: decimal.NewFromInt(1), Taker: decimal.NewFromInt(1)}
		}
		out, ok := t.graph.Quote(step.Market, step.OrderType(), amt, fee)
		if !ok {
			return decimal.Zero, false
		}
		amt = out
	}
	return amt, true
}
