package sqlite

import (
	"context"
	"database/sql"
	"time"

	"carrybot/internal/domain"
)

// PositionStore persists ActivePosition rows: id, symbol,
// entry_timestamp, spot_qty, perp_qty, entry_spread, total_fees,
// status. Same *sql.DB as the KV Store, a second table rather than a
// second connection.
type PositionStore struct {
	db *sql.DB
}

func NewPositionStore(path string) (*PositionStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initPositionsSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PositionStore{db: db}, nil
}

// NewPositionStoreFromDB shares an already-opened *sql.DB, used when a
// single process wants both the KV Store and PositionStore against one
// sqlite file without opening it twice.
func NewPositionStoreFromDB(db *sql.DB) (*PositionStore, error) {
	if err := initPositionsSchema(db); err != nil {
		return nil, err
	}
	return &PositionStore{db: db}, nil
}

func initPositionsSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		entry_timestamp INTEGER NOT NULL,
		spot_qty REAL NOT NULL,
		perp_qty REAL NOT NULL,
		entry_spread REAL NOT NULL,
		total_fees REAL NOT NULL,
		status TEXT NOT NULL
	)`)
	return err
}

func (s *PositionStore) Insert(ctx context.Context, pos *domain.ActivePosition) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO positions
		(id, symbol, entry_timestamp, spot_qty, perp_qty, entry_spread, total_fees, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.ID, pos.Symbol.String(), pos.EntryTimestamp.Unix(), pos.SpotQuantity, pos.PerpShortQuantity,
		pos.EntrySpread, pos.TotalFeesQuote, string(pos.State),
	)
	return err
}

func (s *PositionStore) UpdateState(ctx context.Context, id string, state domain.PositionState) error {
	_, err := s.db.ExecContext(ctx, `UPDATE positions SET status = ? WHERE id = ?`, string(state), id)
	return err
}

func (s *PositionStore) UpdateQuantities(ctx context.Context, id string, spotQty, perpQty, entrySpread, totalFees float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE positions
		SET spot_qty = ?, perp_qty = ?, entry_spread = ?, total_fees = ?
		WHERE id = ?`, spotQty, perpQty, entrySpread, totalFees, id)
	return err
}

func (s *PositionStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE id = ?`, id)
	return err
}

// PositionRow is the raw persisted shape, carrying symbol as the plain
// string it was stored as — the caller resolves it back to a
// domain.Symbol once it knows the venue's spot/perp instrument ids.
type PositionRow struct {
	ID             string
	SymbolKey      string
	EntryTimestamp time.Time
	SpotQuantity   float64
	PerpQuantity   float64
	EntrySpread    float64
	TotalFeesQuote float64
	State          domain.PositionState
}

// LoadResumable returns every row whose status is OPEN or CLOSING —
// the set the Supervisor resumes Guardians for and reconciles against
// live exchange state on startup.
func (s *PositionStore) LoadResumable(ctx context.Context) ([]PositionRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, symbol, entry_timestamp, spot_qty, perp_qty, entry_spread, total_fees, status
		FROM positions WHERE status IN ('OPEN', 'CLOSING')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var row PositionRow
		var ts int64
		var status string
		if err := rows.Scan(&row.ID, &row.SymbolKey, &ts, &row.SpotQuantity, &row.PerpQuantity, &row.EntrySpread, &row.TotalFeesQuote, &status); err != nil {
			return nil, err
		}
		row.EntryTimestamp = time.Unix(ts, 0).UTC()
		row.State = domain.PositionState(status)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PositionStore) Close() error {
	return s.db.Close()
}
