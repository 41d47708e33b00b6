package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"chargepilot/internal/models"
)

// ErrTransactionNotFound indicates no row matched the lookup.
var ErrTransactionNotFound = errors.New("transaction not found")

// ErrConnectorBusy indicates admission control rejected a new pending row
// because the connector (or station, for connectorless prepayments) already
// has a transaction in pending or charging.
var ErrConnectorBusy = errors.New("connector already has an active transaction")

// ErrNotCharging indicates an energy update hit a transaction that is no
// longer charging; the metering simulator uses it to self-terminate.
var ErrNotCharging = errors.New("transaction is not charging")

// ErrAlreadySettled indicates a settlement update matched no active row,
// meaning the transaction was settled before.
var ErrAlreadySettled = errors.New("transaction already settled")

const txColumns = `
	id, station_id, connector_id, prepaid_amount, energy_kwh, price_per_kwh,
	status, start_time, end_time, final_cost, refund_id, payment_intent_id,
	currency, customer_email, created_at, updated_at
`

// TransactionRepository persists session ledger entries.
type TransactionRepository struct {
	db *sql.DB
}

// NewTransactionRepository returns repository.
func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// CreatePending inserts a new pending ledger row. The insert is conditional on
// no other pending/charging row for the same connector; a connectorless row
// blocks (and is blocked by) the whole station. This is the admission-control
// check, done in SQL so it holds across engine instances.
func (r *TransactionRepository) CreatePending(ctx context.Context, tx *models.Transaction) error {
	const query = `
		INSERT INTO transactions
			(station_id, connector_id, prepaid_amount, energy_kwh, status,
			 payment_intent_id, currency, customer_email, created_at, updated_at)
		SELECT $1, $2, $3, 0, 'pending', $4, $5, $6, NOW(), NOW()
		WHERE NOT EXISTS (
			SELECT 1 FROM transactions
			WHERE station_id = $1
			  AND status IN ('pending', 'charging')
			  AND ($2::bigint IS NULL OR connector_id IS NULL OR connector_id = $2)
		)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		tx.StationID,
		tx.ConnectorID,
		tx.PrepaidAmount,
		tx.PaymentIntentID,
		tx.Currency,
		tx.CustomerEmail,
	).Scan(&tx.ID, &tx.CreatedAt, &tx.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrConnectorBusy
	}
	if err != nil {
		return err
	}
	tx.Status = models.TxPending
	return nil
}

// PendingForStart returns the newest pending transaction for the station,
// narrowed to a connector when one is supplied.
func (r *TransactionRepository) PendingForStart(ctx context.Context, stationID string, connectorID *int64) (*models.Transaction, error) {
	const query = `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE station_id = $1
		  AND status = 'pending'
		  AND ($2::bigint IS NULL OR connector_id = $2)
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.queryOne(ctx, query, stationID, connectorID)
}

// LatestActiveByStation returns the newest pending or charging transaction for
// the station; the stop path settles this row.
func (r *TransactionRepository) LatestActiveByStation(ctx context.Context, stationID string) (*models.Transaction, error) {
	const query = `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE station_id = $1
		  AND status IN ('pending', 'charging')
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.queryOne(ctx, query, stationID)
}

// LatestChargingByStation returns the newest charging transaction, used for
// live energy queries.
func (r *TransactionRepository) LatestChargingByStation(ctx context.Context, stationID string) (*models.Transaction, error) {
	const query = `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE station_id = $1
		  AND status = 'charging'
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.queryOne(ctx, query, stationID)
}

// GetByID returns a single transaction.
func (r *TransactionRepository) GetByID(ctx context.Context, id int64) (*models.Transaction, error) {
	const query = `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE id = $1
	`
	return r.queryOne(ctx, query, id)
}

// MarkCharging flips a pending transaction to charging and stamps the start
// time and the price snapshot taken at start.
func (r *TransactionRepository) MarkCharging(ctx context.Context, id int64, startTime time.Time, pricePerKWh float64) error {
	const query = `
		UPDATE transactions
		SET status = 'charging',
		    start_time = $2,
		    price_per_kwh = $3,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	result, err := r.db.ExecContext(ctx, query, id, startTime, pricePerKWh)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// AddEnergy increments accrued energy and returns the new total. The status
// guard makes the update a no-op once the transaction leaves charging, which
// doubles as the simulator's liveness check.
func (r *TransactionRepository) AddEnergy(ctx context.Context, id int64, deltaKWh float64) (float64, error) {
	const query = `
		UPDATE transactions
		SET energy_kwh = energy_kwh + $2,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'charging'
		RETURNING energy_kwh
	`
	var total float64
	err := r.db.QueryRowContext(ctx, query, id, deltaKWh).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotCharging
	}
	if err != nil {
		return 0, err
	}
	return total, nil
}

// Settle closes a transaction exactly once: status, end time, final cost and
// refund reference in a single guarded update. A second call matches no rows.
func (r *TransactionRepository) Settle(ctx context.Context, id int64, endTime time.Time, finalCost float64, refundID *string) error {
	const query = `
		UPDATE transactions
		SET status = 'completed',
		    end_time = $2,
		    final_cost = $3,
		    refund_id = $4,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'charging')
	`
	result, err := r.db.ExecContext(ctx, query, id, endTime, finalCost, refundID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadySettled
	}
	return nil
}

// ListRecentByStation returns latest transactions for a station.
func (r *TransactionRepository) ListRecentByStation(ctx context.Context, stationID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE station_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, stationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}

// ActiveConnectorIDs returns ids of connectors referenced by pending/charging
// transactions of the station, for effective-status derivation.
func (r *TransactionRepository) ActiveConnectorIDs(ctx context.Context, stationID string) (map[int64]bool, error) {
	const query = `
		SELECT connector_id
		FROM transactions
		WHERE station_id = $1
		  AND status IN ('pending', 'charging')
		  AND connector_id IS NOT NULL
	`
	rows, err := r.db.QueryContext(ctx, query, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	active := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		active[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return active, nil
}

// HasActiveByStation reports whether any pending/charging transaction exists
// for the station at all, connectorless rows included.
func (r *TransactionRepository) HasActiveByStation(ctx context.Context, stationID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE station_id = $1 AND status IN ('pending', 'charging')
		)
	`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, stationID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var tx models.Transaction
	err := row.Scan(
		&tx.ID,
		&tx.StationID,
		&tx.ConnectorID,
		&tx.PrepaidAmount,
		&tx.EnergyKWh,
		&tx.PricePerKWh,
		&tx.Status,
		&tx.StartTime,
		&tx.EndTime,
		&tx.FinalCost,
		&tx.RefundID,
		&tx.PaymentIntentID,
		&tx.Currency,
		&tx.CustomerEmail,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *TransactionRepository) queryOne(ctx context.Context, query string, args ...any) (*models.Transaction, error) {
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}
