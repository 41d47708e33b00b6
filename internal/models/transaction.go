package models

import "time"

// Transaction status values. A transaction is active while pending or
// charging; completed and failed are terminal.
const (
	TxPending   = "pending"
	TxCharging  = "charging"
	TxCompleted = "completed"
	TxFailed    = "failed"
)

// ActiveTxStatuses is the status set that makes a connector busy.
var ActiveTxStatuses = []string{TxPending, TxCharging}

// Transaction is the ledger entry for one charging event: the prepaid amount,
// the energy accrued so far, and once settled the final cost and refund.
type Transaction struct {
	ID              int64      `db:"id" json:"id"`
	StationID       string     `db:"station_id" json:"station_id"`
	ConnectorID     *int64     `db:"connector_id" json:"connector_id,omitempty"`
	PrepaidAmount   float64    `db:"prepaid_amount" json:"prepaid_amount"`
	EnergyKWh       float64    `db:"energy_kwh" json:"energy_kwh"`
	PricePerKWh     *float64   `db:"price_per_kwh" json:"price_per_kwh,omitempty"`
	Status          string     `db:"status" json:"status"`
	StartTime       *time.Time `db:"start_time" json:"start_time,omitempty"`
	EndTime         *time.Time `db:"end_time" json:"end_time,omitempty"`
	FinalCost       *float64   `db:"final_cost" json:"final_cost,omitempty"`
	RefundID        *string    `db:"refund_id" json:"refund_id,omitempty"`
	PaymentIntentID string     `db:"payment_intent_id" json:"payment_intent_id"`
	Currency        string     `db:"currency" json:"currency"`
	CustomerEmail   *string    `db:"customer_email" json:"customer_email,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// Active reports whether the transaction still occupies its connector.
func (t *Transaction) Active() bool {
	return t.Status == TxPending || t.Status == TxCharging
}
