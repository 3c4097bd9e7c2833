package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"vsp_mm/internal/domain"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("record not found")

// pragmas are applied on every pooled connection via the DSN.
var pragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(1)",
}

// Storage persists the market ledger, the trade log and reconciliation
// alerts. Writers to one ledger are serialized by an in-process mutex plus
// a database transaction; readers never block on them.
type Storage struct {
	db  *gorm.DB
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStorage opens (or creates) the SQLite database at path. An empty path
// selects the per-user default location.
func NewStorage(path string) (*Storage, error) {
	if path == "" {
		p, err := getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
		path = p
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dsn(path)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&marketRow{}, &tradeRow{}, &reconciliationRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db, now: time.Now, locks: make(map[string]*sync.Mutex)}, nil
}

func dsn(path string) string {
	params := make([]string, len(pragmas))
	for i, p := range pragmas {
		params[i] = "_pragma=" + p
	}
	return path + "?" + strings.Join(params, "&")
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "vsp_mm", "data", "ledger.db"), nil
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Storage) ledgerMutex(ledger string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[ledger]
	if !ok {
		m = &sync.Mutex{}
		s.locks[ledger] = m
	}
	return m
}

func notInitialized(ledger string) error {
	return &domain.ConfigError{Field: "ledger", Err: fmt.Errorf("%w: %s", domain.ErrMarketNotInitialized, ledger)}
}

// ======================================================================================
// Market State
// ======================================================================================

// Seed creates the ledger row. It fails with ErrAlreadyInitialized if the
// row exists; seeding never overwrites a live market.
func (s *Storage) Seed(ctx context.Context, state domain.MarketState) error {
	if err := state.Validate(); err != nil {
		return err
	}

	mu := s.ledgerMutex(state.Ledger)
	mu.Lock()
	defer mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&marketRow{}).Where("ledger = ?", state.Ledger).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check ledger: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyInitialized, state.Ledger)
		}

		row := marketRowFrom(state)
		row.UpdatedAt = s.now().UTC()
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to seed ledger: %w", err)
		}
		return nil
	})
}

// ReadState returns an unlocked snapshot of the ledger. It may be stale by
// the time the caller uses it.
func (s *Storage) ReadState(ctx context.Context, ledger string) (domain.MarketState, error) {
	var row marketRow
	err := s.db.WithContext(ctx).First(&row, "ledger = ?", ledger).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.MarketState{}, notInitialized(ledger)
	}
	if err != nil {
		return domain.MarketState{}, fmt.Errorf("failed to read ledger %s: %w", ledger, err)
	}
	return row.toDomain(), nil
}

// WithLedgerLock runs fn with exclusive access to the ledger row inside one
// transaction. fn returning nil commits; an error rolls everything back.
func (s *Storage) WithLedgerLock(ctx context.Context, ledger string, fn func(tx domain.LedgerTx) error) error {
	mu := s.ledgerMutex(ledger)
	mu.Lock()
	defer mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var row marketRow
		err := db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "ledger = ?", ledger).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notInitialized(ledger)
		}
		if err != nil {
			return fmt.Errorf("failed to lock ledger %s: %w", ledger, err)
		}
		return fn(&ledgerTx{db: db, row: row, now: s.now})
	})
}

// UpdateCurve replaces the curve parameters between trades.
func (s *Storage) UpdateCurve(ctx context.Context, ledger string, params domain.CurveParameters) error {
	if err := params.Validate(); err != nil {
		return err
	}
	return s.WithLedgerLock(ctx, ledger, func(tx domain.LedgerTx) error {
		lt := tx.(*ledgerTx)
		return lt.db.Model(&marketRow{}).Where("ledger = ?", ledger).Updates(map[string]any{
			"unit_scale":  params.UnitScale,
			"half_spread": params.HalfSpread,
			"updated_at":  s.now().UTC(),
		}).Error
	})
}

type ledgerTx struct {
	db  *gorm.DB
	row marketRow
	now func() time.Time
}

func (t *ledgerTx) State() domain.MarketState { return t.row.toDomain() }

func (t *ledgerTx) Balances() (decimal.Decimal, decimal.Decimal) {
	return t.row.USDCReserves, t.row.VSPCirculating
}

func (t *ledgerTx) Commit(netPosition int64, reserves, circulating decimal.Decimal) error {
	if reserves.IsNegative() || circulating.IsNegative() {
		return fmt.Errorf("refusing to commit negative balances: reserves=%s circulating=%s", reserves, circulating)
	}
	ts := t.now().UTC()
	err := t.db.Model(&marketRow{}).Where("ledger = ?", t.row.Ledger).Updates(map[string]any{
		"net_position":    netPosition,
		"usdc_reserves":   reserves,
		"vsp_circulating": circulating,
		"updated_at":      ts,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to commit ledger %s: %w", t.row.Ledger, err)
	}
	t.row.NetPosition = netPosition
	t.row.USDCReserves = reserves
	t.row.VSPCirculating = circulating
	t.row.UpdatedAt = ts
	return nil
}

func (t *ledgerTx) AppendTrade(rec *domain.TradeRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.now().UTC()
	}
	if rec.Ledger == "" {
		rec.Ledger = t.row.Ledger
	}
	row := tradeRowFrom(rec)
	if err := t.db.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append trade: %w", err)
	}
	return nil
}

// ======================================================================================
// Trades
// ======================================================================================

// ListTrades returns the most recent trades of a ledger, newest first.
// limit <= 0 returns all of them.
func (s *Storage) ListTrades(ctx context.Context, ledger string, limit int) ([]domain.TradeRecord, error) {
	q := s.db.WithContext(ctx).Where("ledger = ?", ledger).Order("created_at DESC, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []tradeRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	out := make([]domain.TradeRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// ======================================================================================
// Reconciliations
// ======================================================================================

// RecordReconciliation persists an open alert for a trade whose external
// effects are unknown. It runs outside any ledger lock.
func (s *Storage) RecordReconciliation(ctx context.Context, rec *domain.Reconciliation) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if rec.Status == "" {
		rec.Status = domain.ReconciliationOpen
	}
	row := reconciliationRowFrom(rec)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to record reconciliation: %w", err)
	}
	return nil
}

// ListReconciliations returns alerts for a ledger, oldest first. An empty
// status returns every alert.
func (s *Storage) ListReconciliations(ctx context.Context, ledger string, status domain.ReconciliationStatus) ([]domain.Reconciliation, error) {
	q := s.db.WithContext(ctx).Where("ledger = ?", ledger)
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	var rows []reconciliationRow
	if err := q.Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list reconciliations: %w", err)
	}
	out := make([]domain.Reconciliation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// ResolveReconciliation closes an open alert with the operator's note. The
// ledger itself is not touched; any manual correction is a separate action.
func (s *Storage) ResolveReconciliation(ctx context.Context, id, note string) (domain.Reconciliation, error) {
	var out domain.Reconciliation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row reconciliationRow
		err := tx.First(&row, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: reconciliation %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if row.Status == string(domain.ReconciliationResolved) {
			return fmt.Errorf("reconciliation %s already resolved", id)
		}

		ts := s.now().UTC()
		row.Status = string(domain.ReconciliationResolved)
		row.Note = note
		row.ResolvedAt = &ts
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		out = row.toDomain()
		return nil
	})
	return out, err
}
