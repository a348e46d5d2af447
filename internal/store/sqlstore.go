package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"

	"executiond/pkg/types"
)

// schema is applied with CREATE TABLE IF NOT EXISTS on every Open, so it
// doubles as the migration for a fresh database and a no-op against an
// existing one. There is no versioned migration chain yet — adding a column
// to an existing deployment is a manual ALTER TABLE until one is needed.
const schema = `
CREATE TABLE IF NOT EXISTS virtual_accounts (
	id TEXT PRIMARY KEY,
	allocation TEXT NOT NULL,
	virtual_equity TEXT NOT NULL,
	peak_virtual_equity TEXT NOT NULL,
	daily_pnl TEXT NOT NULL,
	daily_trades INTEGER NOT NULL,
	day_id TEXT NOT NULL,
	consecutive_losses INTEGER NOT NULL,
	kill_switch INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	client_order_id TEXT NOT NULL UNIQUE,
	va_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	type TEXT NOT NULL,
	price TEXT NOT NULL,
	qty TEXT NOT NULL,
	filled_qty TEXT NOT NULL,
	reduce_only INTEGER NOT NULL,
	status TEXT NOT NULL,
	linked_sl_id TEXT NOT NULL DEFAULT '',
	linked_tp_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	submitted_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_orders_va_status ON orders(va_id, status);

CREATE TABLE IF NOT EXISTS positions (
	va_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	qty TEXT NOT NULL,
	avg_entry TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	stop_loss TEXT NOT NULL,
	opened_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (va_id, symbol)
);

CREATE TABLE IF NOT EXISTS fills (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	qty TEXT NOT NULL,
	price TEXT NOT NULL,
	fee TEXT NOT NULL,
	fee_asset TEXT NOT NULL,
	ts DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS equity_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	va_id TEXT NOT NULL,
	equity TEXT NOT NULL,
	ts DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_pnl (
	va_id TEXT NOT NULL,
	date TEXT NOT NULL,
	pnl TEXT NOT NULL,
	trades INTEGER NOT NULL,
	PRIMARY KEY (va_id, date)
);

CREATE TABLE IF NOT EXISTS trade_stats (
	va_id TEXT PRIMARY KEY,
	total_trades INTEGER NOT NULL,
	winning_trades INTEGER NOT NULL,
	losing_trades INTEGER NOT NULL,
	consecutive_losses INTEGER NOT NULL,
	current_drawdown TEXT NOT NULL,
	max_drawdown TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS incidents (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	severity TEXT NOT NULL,
	description TEXT NOT NULL,
	va_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	order_id TEXT NOT NULL,
	metadata TEXT NOT NULL,
	ts DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS governor_events (
	id TEXT PRIMARY KEY,
	va_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	ts DATETIME NOT NULL
);
`

// SQLStore is the production Store, backed by a single SQLite database file
// via modernc.org/sqlite (pure Go, no cgo) through sqlx.
type SQLStore struct {
	db *sqlx.DB
}

// OpenSQLStore opens (creating if absent) the database at path and applies
// the schema.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func dec(f float64) string { return decimal.NewFromFloat(f).String() }

func undec(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

// ————————————————————————————————————————————————————————————————————————
// Virtual accounts
// ————————————————————————————————————————————————————————————————————————

func (s *SQLStore) UpsertVA(ctx context.Context, va types.VirtualAccount) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO virtual_accounts (id, allocation, virtual_equity, peak_virtual_equity, daily_pnl, daily_trades, day_id, consecutive_losses, kill_switch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			allocation=excluded.allocation, virtual_equity=excluded.virtual_equity,
			peak_virtual_equity=excluded.peak_virtual_equity, daily_pnl=excluded.daily_pnl,
			daily_trades=excluded.daily_trades, day_id=excluded.day_id,
			consecutive_losses=excluded.consecutive_losses, kill_switch=excluded.kill_switch,
			updated_at=excluded.updated_at`,
		va.ID, dec(va.Allocation), dec(va.VirtualEquity), dec(va.PeakVirtualEquity),
		dec(va.DailyPnL), va.DailyTrades, va.DayID, va.ConsecutiveLosses, va.KillSwitch,
		firstNonZero(va.CreatedAt, now), now,
	)
	return err
}

func firstNonZero(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

type vaRow struct {
	ID                string    `db:"id"`
	Allocation        string    `db:"allocation"`
	VirtualEquity     string    `db:"virtual_equity"`
	PeakVirtualEquity string    `db:"peak_virtual_equity"`
	DailyPnL          string    `db:"daily_pnl"`
	DailyTrades       int       `db:"daily_trades"`
	DayID             string    `db:"day_id"`
	ConsecutiveLosses int       `db:"consecutive_losses"`
	KillSwitch        bool      `db:"kill_switch"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r vaRow) toVA() types.VirtualAccount {
	return types.VirtualAccount{
		ID:                r.ID,
		Allocation:        undec(r.Allocation),
		VirtualEquity:     undec(r.VirtualEquity),
		PeakVirtualEquity: undec(r.PeakVirtualEquity),
		DailyPnL:          undec(r.DailyPnL),
		DailyTrades:       r.DailyTrades,
		DayID:             r.DayID,
		ConsecutiveLosses: r.ConsecutiveLosses,
		KillSwitch:        r.KillSwitch,
		BlockedUntil:      make(map[string]time.Time),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func (s *SQLStore) GetVA(ctx context.Context, id string) (types.VirtualAccount, bool, error) {
	var r vaRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM virtual_accounts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.VirtualAccount{}, false, nil
	}
	if err != nil {
		return types.VirtualAccount{}, false, err
	}
	return r.toVA(), true, nil
}

func (s *SQLStore) ListVAs(ctx context.Context) ([]types.VirtualAccount, error) {
	var rows []vaRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM virtual_accounts ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]types.VirtualAccount, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toVA())
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

func (s *SQLStore) InsertOrder(ctx context.Context, o types.Order) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, client_order_id, va_id, symbol, side, type, price, qty, filled_qty, reduce_only, status, linked_sl_id, linked_tp_id, created_at, updated_at, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		orderID(o), o.ClientOrderID, o.VAID, o.Symbol, string(o.Side), string(o.Type),
		dec(o.Price), dec(o.Qty), dec(o.FilledQty), o.ReduceOnly, string(o.Status),
		o.LinkedSLID, o.LinkedTPID, firstNonZero(o.CreatedAt, now), now, nullableTime(o.SubmittedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("client_order_id %q already exists: %w", o.ClientOrderID, err)
	}
	return err
}

func orderID(o types.Order) string {
	if o.ID != "" {
		return o.ID
	}
	return o.ClientOrderID
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *SQLStore) UpdateOrder(ctx context.Context, o types.Order) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders SET id=?, symbol=?, side=?, type=?, price=?, qty=?, filled_qty=?,
			reduce_only=?, status=?, linked_sl_id=?, linked_tp_id=?, updated_at=?, submitted_at=?
		WHERE client_order_id = ?`,
		orderID(o), o.Symbol, string(o.Side), string(o.Type), dec(o.Price), dec(o.Qty),
		dec(o.FilledQty), o.ReduceOnly, string(o.Status), o.LinkedSLID, o.LinkedTPID,
		time.Now().UTC(), nullableTime(o.SubmittedAt), o.ClientOrderID,
	)
	return err
}

type orderRow struct {
	ID            string       `db:"id"`
	ClientOrderID string       `db:"client_order_id"`
	VAID          string       `db:"va_id"`
	Symbol        string       `db:"symbol"`
	Side          string       `db:"side"`
	Type          string       `db:"type"`
	Price         string       `db:"price"`
	Qty           string       `db:"qty"`
	FilledQty     string       `db:"filled_qty"`
	ReduceOnly    bool         `db:"reduce_only"`
	Status        string       `db:"status"`
	LinkedSLID    string       `db:"linked_sl_id"`
	LinkedTPID    string       `db:"linked_tp_id"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
	SubmittedAt   sql.NullTime `db:"submitted_at"`
}

func (r orderRow) toOrder() types.Order {
	o := types.Order{
		ID:            r.ID,
		ClientOrderID: r.ClientOrderID,
		VAID:          r.VAID,
		Symbol:        r.Symbol,
		Side:          types.Side(r.Side),
		Type:          types.EntryType(r.Type),
		Price:         undec(r.Price),
		Qty:           undec(r.Qty),
		FilledQty:     undec(r.FilledQty),
		ReduceOnly:    r.ReduceOnly,
		Status:        types.OrderStatus(r.Status),
		LinkedSLID:    r.LinkedSLID,
		LinkedTPID:    r.LinkedTPID,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.SubmittedAt.Valid {
		o.SubmittedAt = r.SubmittedAt.Time
	}
	return o
}

func (s *SQLStore) GetOrderByClientID(ctx context.Context, clientOrderID string) (types.Order, bool, error) {
	var r orderRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM orders WHERE client_order_id = ?`, clientOrderID)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Order{}, false, nil
	}
	if err != nil {
		return types.Order{}, false, err
	}
	return r.toOrder(), true, nil
}

func (s *SQLStore) ListOpenOrders(ctx context.Context, vaID string) ([]types.Order, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM orders
		WHERE va_id = ? AND status NOT IN ('FILLED', 'CANCELLED', 'REJECTED')
		ORDER BY created_at`, vaID)
	if err != nil {
		return nil, err
	}
	out := make([]types.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toOrder())
	}
	return out, nil
}

func (s *SQLStore) FindLatestFilledOrder(ctx context.Context, vaID, symbol string) (types.Order, bool, error) {
	var r orderRow
	err := s.db.GetContext(ctx, &r, `
		SELECT * FROM orders WHERE va_id = ? AND symbol = ? AND status = 'FILLED'
		ORDER BY updated_at DESC LIMIT 1`, vaID, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Order{}, false, nil
	}
	if err != nil {
		return types.Order{}, false, err
	}
	return r.toOrder(), true, nil
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

func (s *SQLStore) UpsertPosition(ctx context.Context, p types.Position) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (va_id, symbol, qty, avg_entry, realized_pnl, stop_loss, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(va_id, symbol) DO UPDATE SET
			qty=excluded.qty, avg_entry=excluded.avg_entry, realized_pnl=excluded.realized_pnl,
			stop_loss=excluded.stop_loss, updated_at=excluded.updated_at`,
		p.VAID, p.Symbol, dec(p.Qty), dec(p.AvgEntry), dec(p.RealizedPnL), dec(p.StopLoss),
		firstNonZero(p.OpenedAt, now), now,
	)
	return err
}

func (s *SQLStore) DeletePosition(ctx context.Context, vaID, symbol string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE va_id = ? AND symbol = ?`, vaID, symbol)
	return err
}

type positionRow struct {
	VAID        string    `db:"va_id"`
	Symbol      string    `db:"symbol"`
	Qty         string    `db:"qty"`
	AvgEntry    string    `db:"avg_entry"`
	RealizedPnL string    `db:"realized_pnl"`
	StopLoss    string    `db:"stop_loss"`
	OpenedAt    time.Time `db:"opened_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r positionRow) toPosition() types.Position {
	return types.Position{
		VAID:        r.VAID,
		Symbol:      r.Symbol,
		Qty:         undec(r.Qty),
		AvgEntry:    undec(r.AvgEntry),
		RealizedPnL: undec(r.RealizedPnL),
		StopLoss:    undec(r.StopLoss),
		OpenedAt:    r.OpenedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func (s *SQLStore) GetPosition(ctx context.Context, vaID, symbol string) (types.Position, bool, error) {
	var r positionRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM positions WHERE va_id = ? AND symbol = ?`, vaID, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Position{}, false, nil
	}
	if err != nil {
		return types.Position{}, false, err
	}
	return r.toPosition(), true, nil
}

func (s *SQLStore) ListPositions(ctx context.Context, vaID string) ([]types.Position, error) {
	var rows []positionRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM positions WHERE va_id = ? ORDER BY symbol`, vaID); err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPosition())
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Fills, snapshots, daily P&L, trade stats
// ————————————————————————————————————————————————————————————————————————

func (s *SQLStore) InsertFill(ctx context.Context, f types.Fill) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fills (id, order_id, symbol, side, qty, price, fee, fee_asset, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.OrderID, f.Symbol, string(f.Side), dec(f.Qty), dec(f.Price), dec(f.Fee), f.FeeAsset, f.Timestamp,
	)
	return err
}

func (s *SQLStore) InsertEquitySnapshot(ctx context.Context, vaID string, equity float64, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO equity_snapshots (va_id, equity, ts) VALUES (?, ?, ?)`, vaID, dec(equity), ts)
	return err
}

func (s *SQLStore) UpsertDailyPnL(ctx context.Context, d DailyPnL) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_pnl (va_id, date, pnl, trades) VALUES (?, ?, ?, ?)
		ON CONFLICT(va_id, date) DO UPDATE SET pnl=excluded.pnl, trades=excluded.trades`,
		d.VAID, d.Date, dec(d.PnL), d.Trades,
	)
	return err
}

func (s *SQLStore) GetDailyPnL(ctx context.Context, vaID, date string) (DailyPnL, bool, error) {
	var row struct {
		VAID   string `db:"va_id"`
		Date   string `db:"date"`
		PnL    string `db:"pnl"`
		Trades int    `db:"trades"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM daily_pnl WHERE va_id = ? AND date = ?`, vaID, date)
	if errors.Is(err, sql.ErrNoRows) {
		return DailyPnL{}, false, nil
	}
	if err != nil {
		return DailyPnL{}, false, err
	}
	return DailyPnL{VAID: row.VAID, Date: row.Date, PnL: undec(row.PnL), Trades: row.Trades}, true, nil
}

func (s *SQLStore) UpsertTradeStats(ctx context.Context, st TradeStats) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_stats (va_id, total_trades, winning_trades, losing_trades, consecutive_losses, current_drawdown, max_drawdown, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(va_id) DO UPDATE SET
			total_trades=excluded.total_trades, winning_trades=excluded.winning_trades,
			losing_trades=excluded.losing_trades, consecutive_losses=excluded.consecutive_losses,
			current_drawdown=excluded.current_drawdown, max_drawdown=excluded.max_drawdown,
			updated_at=excluded.updated_at`,
		st.VAID, st.TotalTrades, st.WinningTrades, st.LosingTrades, st.ConsecutiveLosses,
		dec(st.CurrentDrawdown), dec(st.MaxDrawdown), now,
	)
	return err
}

func (s *SQLStore) GetTradeStats(ctx context.Context, vaID string) (TradeStats, bool, error) {
	var row struct {
		VAID              string    `db:"va_id"`
		TotalTrades       int       `db:"total_trades"`
		WinningTrades     int       `db:"winning_trades"`
		LosingTrades      int       `db:"losing_trades"`
		ConsecutiveLosses int       `db:"consecutive_losses"`
		CurrentDrawdown   string    `db:"current_drawdown"`
		MaxDrawdown       string    `db:"max_drawdown"`
		UpdatedAt         time.Time `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM trade_stats WHERE va_id = ?`, vaID)
	if errors.Is(err, sql.ErrNoRows) {
		return TradeStats{}, false, nil
	}
	if err != nil {
		return TradeStats{}, false, err
	}
	return TradeStats{
		VAID: row.VAID, TotalTrades: row.TotalTrades, WinningTrades: row.WinningTrades,
		LosingTrades: row.LosingTrades, ConsecutiveLosses: row.ConsecutiveLosses,
		CurrentDrawdown: undec(row.CurrentDrawdown), MaxDrawdown: undec(row.MaxDrawdown),
		UpdatedAt: row.UpdatedAt,
	}, true, nil
}

// ————————————————————————————————————————————————————————————————————————
// Audit trail
// ————————————————————————————————————————————————————————————————————————

func (s *SQLStore) InsertIncident(ctx context.Context, inc types.Incident) error {
	meta, err := json.Marshal(inc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal incident metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, type, severity, description, va_id, symbol, order_id, metadata, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, string(inc.Type), string(inc.Severity), inc.Description, inc.VAID, inc.Symbol,
		inc.OrderID, string(meta), inc.Timestamp,
	)
	return err
}

func (s *SQLStore) ListIncidents(ctx context.Context, limit int) ([]types.Incident, error) {
	var rows []struct {
		ID          string    `db:"id"`
		Type        string    `db:"type"`
		Severity    string    `db:"severity"`
		Description string    `db:"description"`
		VAID        string    `db:"va_id"`
		Symbol      string    `db:"symbol"`
		OrderID     string    `db:"order_id"`
		Metadata    string    `db:"metadata"`
		Timestamp   time.Time `db:"ts"`
	}
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM incidents ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	out := make([]types.Incident, 0, len(rows))
	for _, r := range rows {
		var meta map[string]string
		json.Unmarshal([]byte(r.Metadata), &meta)
		out = append(out, types.Incident{
			ID: r.ID, Type: types.IncidentType(r.Type), Severity: types.IncidentSeverity(r.Severity),
			Description: r.Description, VAID: r.VAID, Symbol: r.Symbol, OrderID: r.OrderID,
			Metadata: meta, Timestamp: r.Timestamp,
		})
	}
	return out, nil
}

func (s *SQLStore) InsertGovernorEvent(ctx context.Context, ev types.GovernorEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO governor_events (id, va_id, reason, duration_ms, ts) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.VAID, ev.Reason, ev.Duration.Milliseconds(), ev.Timestamp,
	)
	return err
}
