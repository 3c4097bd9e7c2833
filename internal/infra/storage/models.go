package storage

import (
	"time"

	"vsp_mm/internal/domain"

	"github.com/shopspring/decimal"
)

// Decimal columns are stored as TEXT so SQLite's numeric affinity never
// rounds them through float64.

type marketRow struct {
	Ledger         string          `gorm:"primaryKey;size:32"`
	NetPosition    int64           `gorm:"not null"`
	USDCReserves   decimal.Decimal `gorm:"type:text;not null"`
	VSPCirculating decimal.Decimal `gorm:"type:text;not null"`
	UnitScale      float64         `gorm:"not null"`
	HalfSpread     float64         `gorm:"not null"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime:false"`
}

func (marketRow) TableName() string { return "market_state" }

func marketRowFrom(s domain.MarketState) marketRow {
	return marketRow{
		Ledger:         s.Ledger,
		NetPosition:    s.NetPosition,
		USDCReserves:   decimal.NewFromFloat(s.USDCReserves),
		VSPCirculating: decimal.NewFromFloat(s.VSPCirculating),
		UnitScale:      s.Curve.UnitScale,
		HalfSpread:     s.Curve.HalfSpread,
		UpdatedAt:      s.UpdatedAt,
	}
}

func (r marketRow) toDomain() domain.MarketState {
	return domain.MarketState{
		Ledger:         r.Ledger,
		NetPosition:    r.NetPosition,
		USDCReserves:   r.USDCReserves.InexactFloat64(),
		VSPCirculating: r.VSPCirculating.InexactFloat64(),
		Curve:          domain.CurveParameters{UnitScale: r.UnitScale, HalfSpread: r.HalfSpread},
		UpdatedAt:      r.UpdatedAt,
	}
}

type tradeRow struct {
	ID                string          `gorm:"primaryKey;size:36"`
	Ledger            string          `gorm:"size:32;not null;index:idx_trades_ledger_time"`
	Side              string          `gorm:"size:4;not null"`
	Counterparty      string          `gorm:"not null"`
	Quantity          int64           `gorm:"not null"`
	TotalAmount       decimal.Decimal `gorm:"type:text;not null"`
	AveragePrice      float64
	NetPositionBefore int64
	NetPositionAfter  int64
	ReservesAfter     decimal.Decimal `gorm:"type:text"`
	CirculatingAfter  decimal.Decimal `gorm:"type:text"`
	InReceipt         string
	OutReceipt        string
	CreatedAt         time.Time `gorm:"autoCreateTime:false;index:idx_trades_ledger_time"`
}

func (tradeRow) TableName() string { return "trades" }

func tradeRowFrom(rec *domain.TradeRecord) tradeRow {
	return tradeRow{
		ID:                rec.ID,
		Ledger:            rec.Ledger,
		Side:              rec.Side.String(),
		Counterparty:      rec.Counterparty,
		Quantity:          rec.Quantity,
		TotalAmount:       decimal.NewFromFloat(rec.TotalAmount),
		AveragePrice:      rec.AveragePrice,
		NetPositionBefore: rec.NetPositionBefore,
		NetPositionAfter:  rec.NetPositionAfter,
		ReservesAfter:     decimal.NewFromFloat(rec.ReservesAfter),
		CirculatingAfter:  decimal.NewFromFloat(rec.CirculatingAfter),
		InReceipt:         rec.InReceipt,
		OutReceipt:        rec.OutReceipt,
		CreatedAt:         rec.Timestamp,
	}
}

func (r tradeRow) toDomain() domain.TradeRecord {
	side, _ := domain.ParseSide(r.Side)
	return domain.TradeRecord{
		ID:                r.ID,
		Ledger:            r.Ledger,
		Side:              side,
		Counterparty:      r.Counterparty,
		Quantity:          r.Quantity,
		TotalAmount:       r.TotalAmount.InexactFloat64(),
		AveragePrice:      r.AveragePrice,
		NetPositionBefore: r.NetPositionBefore,
		NetPositionAfter:  r.NetPositionAfter,
		ReservesAfter:     r.ReservesAfter.InexactFloat64(),
		CirculatingAfter:  r.CirculatingAfter.InexactFloat64(),
		InReceipt:         r.InReceipt,
		OutReceipt:        r.OutReceipt,
		Timestamp:         r.CreatedAt,
	}
}

type reconciliationRow struct {
	ID           string `gorm:"primaryKey;size:36"`
	Ledger       string `gorm:"size:32;not null;index"`
	TradeID      string `gorm:"size:36"`
	Side         string `gorm:"size:4"`
	Counterparty string
	Quantity     int64
	Amount       decimal.Decimal `gorm:"type:text"`
	Leg          string          `gorm:"size:8"`
	InReceipt    string
	Reason       string
	Status       string    `gorm:"size:16;not null;index"`
	Note         string
	CreatedAt    time.Time `gorm:"autoCreateTime:false"`
	ResolvedAt   *time.Time
}

func (reconciliationRow) TableName() string { return "reconciliations" }

func reconciliationRowFrom(rec *domain.Reconciliation) reconciliationRow {
	return reconciliationRow{
		ID:           rec.ID,
		Ledger:       rec.Ledger,
		TradeID:      rec.TradeID,
		Side:         rec.Side.String(),
		Counterparty: rec.Counterparty,
		Quantity:     rec.Quantity,
		Amount:       decimal.NewFromFloat(rec.Amount),
		Leg:          string(rec.Leg),
		InReceipt:    rec.InReceipt,
		Reason:       rec.Reason,
		Status:       string(rec.Status),
		Note:         rec.Note,
		CreatedAt:    rec.CreatedAt,
		ResolvedAt:   rec.ResolvedAt,
	}
}

func (r reconciliationRow) toDomain() domain.Reconciliation {
	side, _ := domain.ParseSide(r.Side)
	return domain.Reconciliation{
		ID:           r.ID,
		Ledger:       r.Ledger,
		TradeID:      r.TradeID,
		Side:         side,
		Counterparty: r.Counterparty,
		Quantity:     r.Quantity,
		Amount:       r.Amount.InexactFloat64(),
		Leg:          domain.TransferLeg(r.Leg),
		InReceipt:    r.InReceipt,
		Reason:       r.Reason,
		Status:       domain.ReconciliationStatus(r.Status),
		Note:         r.Note,
		CreatedAt:    r.CreatedAt,
		ResolvedAt:   r.ResolvedAt,
	}
}
