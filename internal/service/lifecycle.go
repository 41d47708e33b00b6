package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"chargepilot/internal/metrics"
	"chargepilot/internal/models"
	"chargepilot/internal/notify"
	"chargepilot/internal/payment"
	"chargepilot/internal/redisstore"
	"chargepilot/internal/repository"
)

// Metering modes.
const (
	ModeLive      = "live"
	ModeSimulated = "simulated"
)

var (
	// ErrNoPendingPayment means start was requested without a prior prepayment.
	ErrNoPendingPayment = errors.New("no pending prepayment for station")
	// ErrNoActiveSession means stop or live-energy was requested with nothing running.
	ErrNoActiveSession = errors.New("no active session for station")
	// ErrSettlementPersistence means the ledger could not be closed; cost and
	// refund figures are not reconciled and the call must fail.
	ErrSettlementPersistence = errors.New("settlement could not be persisted")
)

// TransactionStore is the ledger persistence the engine needs.
type TransactionStore interface {
	CreatePending(ctx context.Context, tx *models.Transaction) error
	PendingForStart(ctx context.Context, stationID string, connectorID *int64) (*models.Transaction, error)
	LatestActiveByStation(ctx context.Context, stationID string) (*models.Transaction, error)
	LatestChargingByStation(ctx context.Context, stationID string) (*models.Transaction, error)
	MarkCharging(ctx context.Context, id int64, startTime time.Time, pricePerKWh float64) error
	Settle(ctx context.Context, id int64, endTime time.Time, finalCost float64, refundID *string) error
}

// StationStore resolves tariffs and flips stored connector status.
type StationStore interface {
	PriceFor(ctx context.Context, stationID string, connectorID *int64) (float64, error)
	MarkOccupied(ctx context.Context, stationID string, connectorID *int64) error
	Release(ctx context.Context, stationID string, connectorID *int64) error
}

// PaymentGateway issues intents and refunds.
type PaymentGateway interface {
	CreatePaymentIntent(ctx context.Context, amountMinor int64, currency string) (*payment.Intent, error)
	CreateRefund(ctx context.Context, paymentIntentID string, amountMinor int64) (*payment.Refund, error)
}

// DeviceCommander delivers remote start/stop to physical hardware. False means
// not connected; the engine never treats it as fatal.
type DeviceCommander interface {
	SendRemoteStart(ctx context.Context, stationID string) bool
	SendRemoteStop(ctx context.Context, stationID string) bool
}

// ReceiptSender delivers settlement receipts, best effort.
type ReceiptSender interface {
	SendReceipt(ctx context.Context, receipt notify.Receipt) (bool, error)
}

// MeterSimulator synthesizes energy when the device path is down.
type MeterSimulator interface {
	Start(txID int64, stationID string) bool
	Stop(txID int64)
}

// SessionCache is the soft active-session index. May be absent.
type SessionCache interface {
	Save(ctx context.Context, session redisstore.ActiveSession) error
	GetByStation(ctx context.Context, stationID string) (*redisstore.ActiveSession, error)
	Delete(ctx context.Context, stationID string) error
}

// Engine orchestrates the session lifecycle: prepayment, start with device
// fallback, metered accrual, and the unconditional settlement on stop.
type Engine struct {
	txs      TransactionStore
	stations StationStore
	payments PaymentGateway
	devices  DeviceCommander
	sim      MeterSimulator
	receipts ReceiptSender
	cache    SessionCache
	metrics  *metrics.Metrics
	currency string
	logger   *zap.Logger
}

// Deps groups the engine's collaborators.
type Deps struct {
	Transactions TransactionStore
	Stations     StationStore
	Payments     PaymentGateway
	Devices      DeviceCommander
	Simulator    MeterSimulator
	Receipts     ReceiptSender
	Cache        SessionCache
	Metrics      *metrics.Metrics
	Currency     string
}

// NewEngine builds the lifecycle engine.
func NewEngine(deps Deps, logger *zap.Logger) *Engine {
	currency := deps.Currency
	if currency == "" {
		currency = "eur"
	}
	return &Engine{
		txs:      deps.Transactions,
		stations: deps.Stations,
		payments: deps.Payments,
		devices:  deps.Devices,
		sim:      deps.Simulator,
		receipts: deps.Receipts,
		cache:    deps.Cache,
		metrics:  deps.Metrics,
		currency: currency,
		logger:   logger,
	}
}

// PrepayInput describes a prepayment request.
type PrepayInput struct {
	StationID   string
	ConnectorID *int64
	Amount      float64
	Email       string
}

// PrepayResult returns the ledger row and the gateway handle the UI needs to
// confirm the payment.
type PrepayResult struct {
	TransactionID   int64  `json:"transaction_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	ClientSecret    string `json:"client_secret"`
}

// Prepay authorizes the amount at the gateway and opens a pending ledger row.
// Admission control lives in the conditional insert: a busy connector fails
// with repository.ErrConnectorBusy and the intent is left for the UI to reuse.
func (e *Engine) Prepay(ctx context.Context, input PrepayInput) (*PrepayResult, error) {
	if input.Amount <= 0 {
		return nil, errors.New("prepaid amount must be positive")
	}
	if _, err := e.stations.PriceFor(ctx, input.StationID, input.ConnectorID); err != nil {
		return nil, err
	}

	intent, err := e.payments.CreatePaymentIntent(ctx, payment.MinorUnits(input.Amount), e.currency)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	tx := &models.Transaction{
		StationID:       input.StationID,
		ConnectorID:     input.ConnectorID,
		PrepaidAmount:   input.Amount,
		PaymentIntentID: intent.ID,
		Currency:        e.currency,
	}
	if input.Email != "" {
		email := input.Email
		tx.CustomerEmail = &email
	}
	if err := e.txs.CreatePending(ctx, tx); err != nil {
		return nil, err
	}

	e.logger.Info("prepayment recorded",
		zap.Int64("transaction_id", tx.ID),
		zap.String("station_id", input.StationID),
		zap.Float64("amount", input.Amount),
	)
	return &PrepayResult{
		TransactionID:   tx.ID,
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
	}, nil
}

// StartResult reports the started session and its metering mode.
type StartResult struct {
	TransactionID int64  `json:"transaction_id"`
	Mode          string `json:"mode"`
}

// StartSession begins delivery for the newest pending prepayment of the
// station. If the charge point does not accept the remote start within the
// bounded wait, the session still starts: the customer already paid, so the
// engine degrades to simulated metering instead of refusing service.
func (e *Engine) StartSession(ctx context.Context, stationID string, connectorID *int64) (*StartResult, error) {
	tx, err := e.txs.PendingForStart(ctx, stationID, connectorID)
	if errors.Is(err, repository.ErrTransactionNotFound) {
		return nil, ErrNoPendingPayment
	}
	if err != nil {
		return nil, err
	}
	if connectorID == nil {
		connectorID = tx.ConnectorID
	}

	price, err := e.stations.PriceFor(ctx, stationID, connectorID)
	if err != nil {
		return nil, err
	}

	accepted := e.devices.SendRemoteStart(ctx, stationID)

	if err := e.txs.MarkCharging(ctx, tx.ID, time.Now().UTC(), price); err != nil {
		return nil, err
	}
	if err := e.stations.MarkOccupied(ctx, stationID, connectorID); err != nil {
		e.logger.Warn("failed to mark connector occupied",
			zap.String("station_id", stationID),
			zap.Error(err),
		)
	}

	mode := ModeLive
	if !accepted {
		mode = ModeSimulated
		if e.sim != nil {
			e.sim.Start(tx.ID, stationID)
		}
		e.logger.Warn("charge point unreachable, falling back to simulated metering",
			zap.String("station_id", stationID),
			zap.Int64("transaction_id", tx.ID),
		)
	}

	e.saveCache(ctx, redisstore.ActiveSession{
		TransactionID: tx.ID,
		StationID:     stationID,
		ConnectorID:   connectorID,
		Mode:          mode,
		StartedAt:     time.Now().Unix(),
	})

	if e.metrics != nil {
		e.metrics.SessionsStarted.WithLabelValues(mode).Inc()
	}
	e.logger.Info("session started",
		zap.Int64("transaction_id", tx.ID),
		zap.String("station_id", stationID),
		zap.String("mode", mode),
	)
	return &StartResult{TransactionID: tx.ID, Mode: mode}, nil
}

// SettlementResult is the definitive cost/refund figure the caller of stop
// receives once the ledger is closed. RefundFailed and ReceiptSent report the
// auxiliary steps; neither gates the result.
type SettlementResult struct {
	TransactionID int64      `json:"transaction_id"`
	StationID     string     `json:"station_id"`
	EnergyKWh     float64    `json:"energy_kwh"`
	Cost          float64    `json:"cost"`
	RefundAmount  float64    `json:"refund_amount"`
	RefundID      *string    `json:"refund_id,omitempty"`
	RefundFailed  bool       `json:"refund_failed"`
	ReceiptSent   bool       `json:"receipt_sent"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       time.Time  `json:"end_time"`
}

// StopSession ends the newest active session for the station. The device stop
// is best effort; settlement runs unconditionally once an active row is found.
func (e *Engine) StopSession(ctx context.Context, stationID, email string) (*SettlementResult, error) {
	tx, err := e.txs.LatestActiveByStation(ctx, stationID)
	if errors.Is(err, repository.ErrTransactionNotFound) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, err
	}

	if !e.devices.SendRemoteStop(ctx, stationID) {
		e.logger.Warn("remote stop not delivered, settling anyway",
			zap.String("station_id", stationID),
			zap.Int64("transaction_id", tx.ID),
		)
	}

	return e.settle(ctx, tx, email)
}

// settle reconciles the prepayment against consumption: refund the unused
// balance, close the ledger row exactly once, free the connector, stop the
// simulator, send the receipt. Only the ledger update is fatal; everything
// downstream of it is isolated so a connector never stays stuck on a refund
// or mail outage.
func (e *Engine) settle(ctx context.Context, tx *models.Transaction, email string) (*SettlementResult, error) {
	price := e.priceFor(ctx, tx)
	cost := roundMoney(tx.EnergyKWh * price)
	refundAmount := roundMoney(tx.PrepaidAmount - cost)
	if refundAmount < 0 {
		// No overage billing: energy beyond the prepayment is absorbed.
		refundAmount = 0
	}

	var refundID *string
	refundFailed := false
	if refundAmount > 0 && tx.PaymentIntentID != "" {
		refund, err := e.payments.CreateRefund(ctx, tx.PaymentIntentID, payment.MinorUnits(refundAmount))
		if err != nil {
			refundFailed = true
			if e.metrics != nil {
				e.metrics.RefundFailures.Inc()
			}
			e.logger.Error("refund failed, continuing settlement",
				zap.Int64("transaction_id", tx.ID),
				zap.Float64("refund_amount", refundAmount),
				zap.Error(err),
			)
		} else {
			refundID = &refund.ID
		}
	}

	endTime := time.Now().UTC()
	if err := e.txs.Settle(ctx, tx.ID, endTime, cost, refundID); err != nil {
		if errors.Is(err, repository.ErrAlreadySettled) {
			return nil, err
		}
		// Last-ditch release so a persistence outage does not strand the
		// connector in a busy state.
		if relErr := e.stations.Release(ctx, tx.StationID, tx.ConnectorID); relErr != nil {
			e.logger.Error("forced connector release failed",
				zap.String("station_id", tx.StationID),
				zap.Error(relErr),
			)
		}
		return nil, fmt.Errorf("%w: %v", ErrSettlementPersistence, err)
	}

	if err := e.stations.Release(ctx, tx.StationID, tx.ConnectorID); err != nil {
		e.logger.Error("connector release failed after settlement",
			zap.String("station_id", tx.StationID),
			zap.Error(err),
		)
	}

	if e.sim != nil {
		e.sim.Stop(tx.ID)
	}
	e.deleteCache(ctx, tx.ID, tx.StationID)

	receiptSent := e.sendReceipt(ctx, tx, email, cost, refundAmount, endTime)

	if e.metrics != nil {
		e.metrics.SessionsSettled.Inc()
		e.metrics.EnergyDelivered.Add(tx.EnergyKWh)
		if receiptSent {
			e.metrics.ReceiptsSent.Inc()
		}
	}
	e.logger.Info("session settled",
		zap.Int64("transaction_id", tx.ID),
		zap.String("station_id", tx.StationID),
		zap.Float64("energy_kwh", tx.EnergyKWh),
		zap.Float64("cost", cost),
		zap.Float64("refund_amount", refundAmount),
		zap.Bool("refund_failed", refundFailed),
	)

	return &SettlementResult{
		TransactionID: tx.ID,
		StationID:     tx.StationID,
		EnergyKWh:     tx.EnergyKWh,
		Cost:          cost,
		RefundAmount:  refundAmount,
		RefundID:      refundID,
		RefundFailed:  refundFailed,
		ReceiptSent:   receiptSent,
		StartTime:     tx.StartTime,
		EndTime:       endTime,
	}, nil
}

// LiveEnergy is the poll-based telemetry fallback. Mode comes from the
// session cache and is empty when the cache is cold.
type LiveEnergy struct {
	TransactionID int64   `json:"transaction_id"`
	EnergyKWh     float64 `json:"energy_kwh"`
	EstimatedCost float64 `json:"estimated_cost"`
	Mode          string  `json:"mode,omitempty"`
}

// GetLiveEnergy returns the running session's accrued energy and the cost it
// implies at the applicable tariff.
func (e *Engine) GetLiveEnergy(ctx context.Context, stationID string) (*LiveEnergy, error) {
	tx, err := e.txs.LatestChargingByStation(ctx, stationID)
	if errors.Is(err, repository.ErrTransactionNotFound) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, err
	}
	price := e.priceFor(ctx, tx)
	return &LiveEnergy{
		TransactionID: tx.ID,
		EnergyKWh:     tx.EnergyKWh,
		EstimatedCost: roundMoney(tx.EnergyKWh * price),
		Mode:          e.cachedMode(ctx, tx.ID, stationID),
	}, nil
}

// cachedMode reads the metering mode from the session cache. The cache may
// lag the ledger, so the entry only counts when it names the same transaction.
func (e *Engine) cachedMode(ctx context.Context, txID int64, stationID string) string {
	if e.cache == nil {
		return ""
	}
	session, err := e.cache.GetByStation(ctx, stationID)
	if err != nil {
		e.logger.Warn("active session cache read failed",
			zap.String("station_id", stationID),
			zap.Error(err),
		)
		return ""
	}
	if session == nil || session.TransactionID != txID {
		return ""
	}
	return session.Mode
}

// priceFor prefers the tariff snapshot taken at start; a pre-start row falls
// back to the current station/connector price.
func (e *Engine) priceFor(ctx context.Context, tx *models.Transaction) float64 {
	if tx.PricePerKWh != nil && *tx.PricePerKWh > 0 {
		return *tx.PricePerKWh
	}
	price, err := e.stations.PriceFor(ctx, tx.StationID, tx.ConnectorID)
	if err != nil {
		e.logger.Warn("price lookup failed, billing at zero",
			zap.String("station_id", tx.StationID),
			zap.Error(err),
		)
		return 0
	}
	return price
}

func (e *Engine) sendReceipt(ctx context.Context, tx *models.Transaction, email string, cost, refundAmount float64, endTime time.Time) bool {
	if e.receipts == nil {
		return false
	}
	if email == "" && tx.CustomerEmail != nil {
		email = *tx.CustomerEmail
	}
	sent, err := e.receipts.SendReceipt(ctx, notify.Receipt{
		TransactionID: tx.ID,
		Email:         email,
		StationID:     tx.StationID,
		EnergyKWh:     tx.EnergyKWh,
		Cost:          cost,
		RefundAmount:  refundAmount,
		Currency:      tx.Currency,
		StartTime:     tx.StartTime,
		EndTime:       &endTime,
	})
	if err != nil {
		e.logger.Warn("receipt delivery failed",
			zap.Int64("transaction_id", tx.ID),
			zap.Error(err),
		)
		return false
	}
	return sent
}

func (e *Engine) saveCache(ctx context.Context, session redisstore.ActiveSession) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Save(ctx, session); err != nil {
		e.logger.Warn("failed to cache active session",
			zap.Int64("transaction_id", session.TransactionID),
			zap.Error(err),
		)
	}
}

func (e *Engine) deleteCache(ctx context.Context, txID int64, stationID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Delete(ctx, stationID); err != nil {
		e.logger.Warn("failed to delete active session cache",
			zap.Int64("transaction_id", txID),
			zap.Error(err),
		)
	}
}

func roundMoney(amount float64) float64 {
	return math.Round(amount*100) / 100
}
