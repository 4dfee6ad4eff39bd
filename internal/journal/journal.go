// Package journal implements the Durability Journal (spec.md §4.9): the
// crash-safe Postgres persistence backing every Transaction Intent, so a
// process restart can resume or replan every in-flight path instead of
// losing it.
//
// Grounded on the teacher's internal/store/store.go crash-safety
// contract (SavePosition/LoadPosition survive an unclean shutdown)
// generalized from atomic-rename JSON files to transactional Postgres
// rows via github.com/lib/pq, since the journal's multi-table
// transitions (§4.7's "persist (update self, insert child) in one
// transaction") need real ACID semantics a flat file can't give.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	_ "github.com/lib/pq"

	"github.com/arbot/tradecore/internal/txintent"
	"github.com/arbot/tradecore/pkg/types"
)

// Journal persists active/completed transactions, unfilled residue,
// order-id history, and blacklisted markets to Postgres.
type Journal struct {
	db *sql.DB
}

// Open connects to dsn and verifies the connection, matching the
// teacher's Open(dir) crash-safety contract but against a database
// handle instead of a directory.
func Open(dsn string, maxOpen, maxIdle int) (*Journal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping journal database: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close is the Journal's teardown counterpart to Open.
func (j *Journal) Close() error { return j.db.Close() }

// Migrate creates every table this package owns if they don't already
// exist. Called once at startup; idempotent.
func (j *Journal) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS active_transactions (
			id TEXT PRIMARY KEY,
			markets JSONB NOT NULL,
			market_idx INT NOT NULL,
			init_currency TEXT NOT NULL,
			init_amount NUMERIC NOT NULL,
			from_currency TEXT NOT NULL,
			from_amount NUMERIC NOT NULL,
			updated_ts TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS completed_transactions (
			id TEXT PRIMARY KEY,
			markets JSONB NOT NULL,
			created_ts TIMESTAMPTZ NOT NULL,
			completed_ts TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS unfilled_markets (
			id TEXT PRIMARY KEY,
			init_currency TEXT NOT NULL,
			init_amount NUMERIC NOT NULL,
			current_currency TEXT NOT NULL,
			current_amount NUMERIC NOT NULL,
			created_ts TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS order_ids (
			transaction_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (transaction_id, order_id)
		)`,
		`CREATE TABLE IF NOT EXISTS blacklisted_markets (
			market TEXT PRIMARY KEY,
			added_ts TIMESTAMPTZ NOT NULL DEFAULT now(),
			ttl_sec INT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// wireMarket is the forward-compatible tagged-variant serialization of
// one TranIntentMarket step (spec.md §6's persisted-state requirement).
type wireMarket struct {
	Kind         string          `json:"kind"`
	Market       string          `json:"market"`
	Base         string          `json:"base"`
	Quote        string          `json:"quote"`
	Speed        string          `json:"speed"`
	FromCurrency string          `json:"fromCurrencyType"`
	FromAmount   decimal.Decimal `json:"fromAmount"`
	Trades       []wireTrade     `json:"trades,omitempty"`
}

// wireTrade persists BareTrade's exactly-three-decimal-field shape.
type wireTrade struct {
	TradeID string          `json:"tradeId"`
	Amount  decimal.Decimal `json:"amount"`
	Price   decimal.Decimal `json:"price"`
	Fee     decimal.Decimal `json:"feeMultiplier"`
}

func encodeMarkets(markets []txintent.TranIntentMarket) ([]byte, error) {
	wire := make([]wireMarket, len(markets))
	for i, m := range markets {
		trades := make([]wireTrade, len(m.Trades))
		for ti, t := range m.Trades {
			trades[ti] = wireTrade{TradeID: t.TradeID, Amount: t.Amount, Price: t.Price, Fee: t.FeeMultiplier}
		}
		wire[i] = wireMarket{
			Kind:         string(m.Kind),
			Market:       m.Market.String(),
			Base:         string(m.Market.Base),
			Quote:        string(m.Market.Quote),
			Speed:        string(m.Speed),
			FromCurrency: string(m.FromCurrency),
			FromAmount:   m.FromAmount,
			Trades:       trades,
		}
	}
	return json.Marshal(wire)
}

func decodeMarkets(data []byte) ([]txintent.TranIntentMarket, error) {
	var wire []wireMarket
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}
	out := make([]txintent.TranIntentMarket, len(wire))
	for i, w := range wire {
		trades := make([]types.Trade, len(w.Trades))
		for ti, t := range w.Trades {
			trades[ti] = types.Trade{TradeID: t.TradeID, Amount: t.Amount, Price: t.Price, FeeMultiplier: t.Fee}
		}
		out[i] = txintent.TranIntentMarket{
			Kind:         txintent.MarketKind(w.Kind),
			Market:       types.Market{Base: types.Currency(w.Base), Quote: types.Currency(w.Quote)},
			Speed:        types.Speed(w.Speed),
			FromCurrency: types.Currency(w.FromCurrency),
			FromAmount:   w.FromAmount,
			Trades:       trades,
		}
	}
	return out, nil
}

// UpsertActive writes or updates in's active_transactions row. Called
// inside the same logical transition as any sibling insert/delete the
// caller performs, per spec.md §4.7's "persist in one transaction"
// requirement. UpsertActive itself runs outside any transaction; the
// compound writes that need atomicity are UpsertActiveAndDeleteOther and
// InsertCompleted, which run inside withTx.
func (j *Journal) UpsertActive(ctx context.Context, in *txintent.Intent) error {
	return j.upsertActiveTx(ctx, j.db, in)
}

func (j *Journal) upsertActiveTx(ctx context.Context, q querier, in *txintent.Intent) error {
	data, err := encodeMarkets(in.Markets)
	if err != nil {
		return err
	}
	step := in.Current()
	_, err = q.ExecContext(ctx, `
		INSERT INTO active_transactions (id, markets, market_idx, init_currency, init_amount, from_currency, from_amount, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (id) DO UPDATE SET
			markets = EXCLUDED.markets,
			market_idx = EXCLUDED.market_idx,
			from_currency = EXCLUDED.from_currency,
			from_amount = EXCLUDED.from_amount,
			updated_ts = now()`,
		in.ID, data, in.MarketIdx, string(in.InitCurrency), in.InitAmount, string(step.FromCurrency), step.FromAmountValue())
	return err
}

// DeleteActive removes id's active_transactions row.
func (j *Journal) DeleteActive(ctx context.Context, id string) error {
	_, err := j.db.ExecContext(ctx, `DELETE FROM active_transactions WHERE id = $1`, id)
	return err
}

// InsertCompleted records a finished intent and removes its active row,
// inside one transaction so a crash can never show an intent as both
// active and completed.
func (j *Journal) InsertCompleted(ctx context.Context, in *txintent.Intent) error {
	return j.withTx(ctx, sql.LevelDefault, func(tx *sql.Tx) error {
		data, err := encodeMarkets(in.Markets)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO completed_transactions (id, markets, created_ts, completed_ts)
			VALUES ($1, $2, now(), now())
			ON CONFLICT (id) DO NOTHING`, in.ID, data); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM active_transactions WHERE id = $1`, in.ID)
		return err
	})
}

// InsertUnfilled records residue left on a non-start step.
func (j *Journal) InsertUnfilled(ctx context.Context, id string, initCurrency types.Currency, initAmount decimal.Decimal, currentCurrency types.Currency, currentAmount decimal.Decimal) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO unfilled_markets (id, init_currency, init_amount, current_currency, current_amount)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET current_currency = EXCLUDED.current_currency, current_amount = EXCLUDED.current_amount`,
		id, string(initCurrency), initAmount, string(currentCurrency), currentAmount)
	return err
}

// UnfilledRow is one row of the unfilled_markets table.
type UnfilledRow struct {
	ID              string
	InitCurrency    types.Currency
	InitAmount      decimal.Decimal
	CurrentCurrency types.Currency
	CurrentAmount   decimal.Decimal
}

// LoadUnfilled returns every persisted unfilled-remainder row. Neither
// the crash-recovery pass nor the Runner reads these rows back, so a
// journaled remainder is not merged into any later intent.
func (j *Journal) LoadUnfilled(ctx context.Context) ([]UnfilledRow, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT id, init_currency, init_amount, current_currency, current_amount FROM unfilled_markets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UnfilledRow
	for rows.Next() {
		var r UnfilledRow
		var initCur, curCur string
		if err := rows.Scan(&r.ID, &initCur, &r.InitAmount, &curCur, &r.CurrentAmount); err != nil {
			return nil, err
		}
		r.InitCurrency = types.Currency(initCur)
		r.CurrentCurrency = types.Currency(curCur)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteUnfilled removes a consumed unfilled_markets row.
func (j *Journal) DeleteUnfilled(ctx context.Context, id string) error {
	_, err := j.db.ExecContext(ctx, `DELETE FROM unfilled_markets WHERE id = $1`, id)
	return err
}

// RecordOrderID appends to a transaction's order-id history, used for
// the crash-recovery trade-scan spec.md §4.9 describes.
func (j *Journal) RecordOrderID(ctx context.Context, transactionID, orderID string) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO order_ids (transaction_id, order_id, ts) VALUES ($1, $2, now())
		ON CONFLICT (transaction_id, order_id) DO NOTHING`, transactionID, orderID)
	return err
}

// OrderIDsFor returns every order id ever recorded for a transaction, in
// the order they were first seen.
func (j *Journal) OrderIDsFor(ctx context.Context, transactionID string) ([]string, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT order_id FROM order_ids WHERE transaction_id = $1 ORDER BY ts ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// BlacklistMarket records market as untradeable for ttl.
func (j *Journal) BlacklistMarket(ctx context.Context, market types.Market, ttl time.Duration) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO blacklisted_markets (market, added_ts, ttl_sec) VALUES ($1, now(), $2)
		ON CONFLICT (market) DO UPDATE SET added_ts = now(), ttl_sec = EXCLUDED.ttl_sec`,
		market.String(), int(ttl.Seconds()))
	return err
}

// ActiveBlacklist returns every market whose TTL has not yet elapsed.
func (j *Journal) ActiveBlacklist(ctx context.Context) (map[string]bool, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT market FROM blacklisted_markets WHERE added_ts + (ttl_sec * interval '1 second') > now()`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out[m] = true
	}
	return out, rows.Err()
}

// LoadActive returns every active_transactions row as a resumable
// Intent, for the crash-recovery pass spec.md §7 requires at startup.
func (j *Journal) LoadActive(ctx context.Context) ([]*txintent.Intent, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT id, markets, market_idx, init_currency, init_amount FROM active_transactions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*txintent.Intent
	for rows.Next() {
		var id, initCur string
		var marketsData []byte
		var idx int
		var initAmount decimal.Decimal
		if err := rows.Scan(&id, &marketsData, &idx, &initCur, &initAmount); err != nil {
			return nil, err
		}
		markets, err := decodeMarkets(marketsData)
		if err != nil {
			return nil, fmt.Errorf("load active %s: %w", id, err)
		}
		out = append(out, &txintent.Intent{ID: id, Markets: markets, MarketIdx: idx, InitCurrency: types.Currency(initCur), InitAmount: initAmount})
	}
	return out, rows.Err()
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting the internal
// upsert helper run either standalone or inside withTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// withTx runs fn inside a transaction at the given isolation level,
// committing on success and rolling back on any error — spec.md §4.9's
// "default or repeatable-read transactions per the call sites in §4.7".
func (j *Journal) withTx(ctx context.Context, level sql.IsolationLevel, fn func(tx *sql.Tx) error) error {
	tx, err := j.db.BeginTx(ctx, &sql.TxOptions{Isolation: level})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// UpsertActiveAndDeleteOther upserts upsert's active_transactions row and
// deletes deleteID's row inside a single repeatable-read transaction, so
// a concurrent reader of active_transactions never observes a step where
// both rows exist, or where neither does. Recording a completed intent is
// InsertCompleted's job, not this one's.
func (j *Journal) UpsertActiveAndDeleteOther(ctx context.Context, upsert *txintent.Intent, deleteID string) error {
	return j.withTx(ctx, sql.LevelRepeatableRead, func(tx *sql.Tx) error {
		if err := j.upsertActiveTx(ctx, tx, upsert); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM active_transactions WHERE id = $1`, deleteID)
		return err
	})
}
