package domain

import "time"

// ReconciliationStatus tracks an operational alert raised by an aborted trade.
type ReconciliationStatus string

const (
	ReconciliationOpen     ReconciliationStatus = "open"
	ReconciliationResolved ReconciliationStatus = "resolved"
)

// Reconciliation records a trade whose external transfer outcome is unknown.
// The ledger was not mutated; an operator has to check the venue and settle
// by hand. The engine never guesses a resolution.
type Reconciliation struct {
	ID           string               `json:"id"`
	Ledger       string               `json:"ledger"`
	TradeID      string               `json:"trade_id"`
	Side         Side                 `json:"side"`
	Counterparty string               `json:"counterparty"`
	Quantity     int64                `json:"quantity"`
	Amount       float64              `json:"amount"`
	Leg          TransferLeg          `json:"leg"`
	InReceipt    string               `json:"in_receipt,omitempty"`
	Reason       string               `json:"reason"`
	Status       ReconciliationStatus `json:"status"`
	Note         string               `json:"note,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	ResolvedAt   *time.Time           `json:"resolved_at,omitempty"`
}
