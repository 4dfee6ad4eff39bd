// Package risk enforces the balance-reservation gate the Trader top
// level applies before handing a candidate path to an Intent: every
// currency carries a configured fixed reserve that path enumeration must
// never offer, and every amount already committed to a live intent is
// tracked so two concurrent intents can never double-spend the same
// balance.
//
// Grounded on the teacher's internal/risk/manager.go mutex-protected
// registry-and-limit-check shape, generalized from "per-market USD
// exposure cap" to "per-currency available-balance cap" — the
// fixed-reserve plus in-use bookkeeping spec.md §4's fixedReserve and
// minTradeAmount config fields call for.
package risk

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/arbot/tradecore/internal/config"
	"github.com/arbot/tradecore/pkg/types"
)

// Manager tracks known balances, configured fixed reserves, and amounts
// currently committed to live intents, per currency.
type Manager struct {
	mu             sync.Mutex
	minTradeAmount decimal.Decimal
	reserved       map[types.Currency]decimal.Decimal
	balances       map[types.Currency]decimal.Decimal
	inUse          map[types.Currency]decimal.Decimal
	logger         *slog.Logger
}

// NewManager parses cfg.FixedReserve and builds an empty balance
// tracker. minTradeAmount gates candidate paths below which the Trader
// top level should not bother reserving at all.
func NewManager(cfg config.RiskConfig, minTradeAmount decimal.Decimal, logger *slog.Logger) (*Manager, error) {
	reserved := make(map[types.Currency]decimal.Decimal, len(cfg.FixedReserve))
	for currency, amountStr := range cfg.FixedReserve {
		amt, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("risk: invalid fixed reserve for %s: %w", currency, err)
		}
		reserved[types.Currency(currency)] = amt
	}

	return &Manager{
		minTradeAmount: minTradeAmount,
		reserved:       reserved,
		balances:       make(map[types.Currency]decimal.Decimal),
		inUse:          make(map[types.Currency]decimal.Decimal),
		logger:         logger.With("component", "risk"),
	}, nil
}

// UpdateBalance records the latest known account balance for a currency,
// as reported by a BalanceUpdate account notification.
func (m *Manager) UpdateBalance(currency types.Currency, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[currency] = amount
}

// Available returns the portion of currency's balance path enumeration
// may offer: balance minus the configured fixed reserve minus whatever
// is already committed to live intents. Never negative.
func (m *Manager) Available(currency types.Currency) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available(currency)
}

func (m *Manager) available(currency types.Currency) decimal.Decimal {
	balance := m.balances[currency]
	reserve := m.reserved[currency]
	used := m.inUse[currency]

	avail := balance.Sub(reserve).Sub(used)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// MeetsMinimum reports whether amount clears the configured minimum
// trade size below which a path isn't worth reserving for.
func (m *Manager) MeetsMinimum(amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(m.minTradeAmount)
}

// Reserve commits amount of currency to a new intent's use, failing if
// doing so would exceed the currently available balance.
func (m *Manager) Reserve(currency types.Currency, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount.GreaterThan(m.available(currency)) {
		return fmt.Errorf("risk: insufficient available %s balance to reserve %s", currency, amount)
	}
	m.inUse[currency] = m.inUse[currency].Add(amount)
	return nil
}

// CurrencySnapshot reports one currency's balance bookkeeping for the
// admin status surface.
type CurrencySnapshot struct {
	Currency  types.Currency  `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Reserved  decimal.Decimal `json:"reserved"`
	InUse     decimal.Decimal `json:"in_use"`
	Available decimal.Decimal `json:"available"`
}

// Snapshot returns a point-in-time view of every currency the Manager
// has seen a balance or fixed reserve for, for the admin status surface.
func (m *Manager) Snapshot() []CurrencySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[types.Currency]struct{})
	for c := range m.balances {
		seen[c] = struct{}{}
	}
	for c := range m.reserved {
		seen[c] = struct{}{}
	}
	out := make([]CurrencySnapshot, 0, len(seen))
	for c := range seen {
		out = append(out, CurrencySnapshot{
			Currency:  c,
			Balance:   m.balances[c],
			Reserved:  m.reserved[c],
			InUse:     m.inUse[c],
			Available: m.available(c),
		})
	}
	return out
}

// Release returns amount of currency to the available pool, called when
// an intent completes, is unfilled, or is merged away.
func (m *Manager) Release(currency types.Currency, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inUse[currency] = m.inUse[currency].Sub(amount)
	if m.inUse[currency].IsNegative() {
		m.logger.Warn("in-use balance went negative, clamping to zero", "currency", currency)
		m.inUse[currency] = decimal.Zero
	}
}
