package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chargepilot/internal/models"
	"chargepilot/internal/notify"
	"chargepilot/internal/payment"
	"chargepilot/internal/redisstore"
	"chargepilot/internal/repository"
)

type fakeTxStore struct {
	mu        sync.Mutex
	txs       map[int64]*models.Transaction
	nextID    int64
	markErr   error
	settleErr error
}

func newFakeTxStore() *fakeTxStore {
	return &fakeTxStore{txs: make(map[int64]*models.Transaction)}
}

func (s *fakeTxStore) CreatePending(ctx context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.txs {
		if existing.StationID != tx.StationID || !existing.Active() {
			continue
		}
		if tx.ConnectorID == nil || existing.ConnectorID == nil || *existing.ConnectorID == *tx.ConnectorID {
			return repository.ErrConnectorBusy
		}
	}
	s.nextID++
	tx.ID = s.nextID
	tx.Status = models.TxPending
	tx.CreatedAt = time.Unix(s.nextID, 0)
	clone := *tx
	s.txs[tx.ID] = &clone
	return nil
}

func (s *fakeTxStore) PendingForStart(ctx context.Context, stationID string, connectorID *int64) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *models.Transaction
	for _, tx := range s.txs {
		if tx.StationID != stationID || tx.Status != models.TxPending {
			continue
		}
		if connectorID != nil && (tx.ConnectorID == nil || *tx.ConnectorID != *connectorID) {
			continue
		}
		if newest == nil || tx.CreatedAt.After(newest.CreatedAt) {
			newest = tx
		}
	}
	if newest == nil {
		return nil, repository.ErrTransactionNotFound
	}
	clone := *newest
	return &clone, nil
}

func (s *fakeTxStore) LatestActiveByStation(ctx context.Context, stationID string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *models.Transaction
	for _, tx := range s.txs {
		if tx.StationID != stationID || !tx.Active() {
			continue
		}
		if newest == nil || tx.CreatedAt.After(newest.CreatedAt) {
			newest = tx
		}
	}
	if newest == nil {
		return nil, repository.ErrTransactionNotFound
	}
	clone := *newest
	return &clone, nil
}

func (s *fakeTxStore) LatestChargingByStation(ctx context.Context, stationID string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *models.Transaction
	for _, tx := range s.txs {
		if tx.StationID != stationID || tx.Status != models.TxCharging {
			continue
		}
		if newest == nil || tx.CreatedAt.After(newest.CreatedAt) {
			newest = tx
		}
	}
	if newest == nil {
		return nil, repository.ErrTransactionNotFound
	}
	clone := *newest
	return &clone, nil
}

func (s *fakeTxStore) MarkCharging(ctx context.Context, id int64, startTime time.Time, pricePerKWh float64) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok || tx.Status != models.TxPending {
		return repository.ErrTransactionNotFound
	}
	tx.Status = models.TxCharging
	tx.StartTime = &startTime
	tx.PricePerKWh = &pricePerKWh
	return nil
}

func (s *fakeTxStore) Settle(ctx context.Context, id int64, endTime time.Time, finalCost float64, refundID *string) error {
	if s.settleErr != nil {
		return s.settleErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok || !tx.Active() {
		return repository.ErrAlreadySettled
	}
	tx.Status = models.TxCompleted
	tx.EndTime = &endTime
	tx.FinalCost = &finalCost
	tx.RefundID = refundID
	return nil
}

func (s *fakeTxStore) setEnergy(id int64, kwh float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[id].EnergyKWh = kwh
}

func (s *fakeTxStore) clearPriceSnapshot(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[id].PricePerKWh = nil
}

func (s *fakeTxStore) get(id int64) models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.txs[id]
}

type fakeStations struct {
	mu         sync.Mutex
	price      float64
	priceErr   error
	occupied   int
	released   int
	releaseErr error
}

func (s *fakeStations) PriceFor(ctx context.Context, stationID string, connectorID *int64) (float64, error) {
	if s.priceErr != nil {
		return 0, s.priceErr
	}
	return s.price, nil
}

func (s *fakeStations) MarkOccupied(ctx context.Context, stationID string, connectorID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.occupied++
	return nil
}

func (s *fakeStations) Release(ctx context.Context, stationID string, connectorID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	return s.releaseErr
}

func (s *fakeStations) releaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type fakePayments struct {
	mu           sync.Mutex
	intents      int
	refunds      []int64
	refundErr    error
	nextIntentID string
}

func (p *fakePayments) CreatePaymentIntent(ctx context.Context, amountMinor int64, currency string) (*payment.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intents++
	id := p.nextIntentID
	if id == "" {
		id = fmt.Sprintf("pi_%d", p.intents)
	}
	return &payment.Intent{ID: id, ClientSecret: id + "_secret", Status: "requires_payment_method"}, nil
}

func (p *fakePayments) CreateRefund(ctx context.Context, paymentIntentID string, amountMinor int64) (*payment.Refund, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refundErr != nil {
		return nil, p.refundErr
	}
	p.refunds = append(p.refunds, amountMinor)
	return &payment.Refund{ID: fmt.Sprintf("re_%d", len(p.refunds)), Status: "succeeded"}, nil
}

func (p *fakePayments) refundCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.refunds)
}

type fakeDevices struct {
	startOK    bool
	stopOK     bool
	startCalls int
	stopCalls  int
}

func (d *fakeDevices) SendRemoteStart(ctx context.Context, stationID string) bool {
	d.startCalls++
	return d.startOK
}

func (d *fakeDevices) SendRemoteStop(ctx context.Context, stationID string) bool {
	d.stopCalls++
	return d.stopOK
}

type fakeSim struct {
	mu      sync.Mutex
	running map[int64]bool
	stopped []int64
}

func newFakeSim() *fakeSim {
	return &fakeSim{running: make(map[int64]bool)}
}

func (s *fakeSim) Start(txID int64, stationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[txID] {
		return false
	}
	s.running[txID] = true
	return true
}

func (s *fakeSim) Stop(txID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, txID)
	s.stopped = append(s.stopped, txID)
}

type fakeReceipts struct {
	mu       sync.Mutex
	err      error
	receipts []notify.Receipt
}

func (r *fakeReceipts) SendReceipt(ctx context.Context, receipt notify.Receipt) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	r.receipts = append(r.receipts, receipt)
	return true, nil
}

type fakeCache struct {
	mu        sync.Mutex
	saved     []redisstore.ActiveSession
	byStation map[string]redisstore.ActiveSession
	deleted   []string
	getErr    error
}

func newFakeCache() *fakeCache {
	return &fakeCache{byStation: make(map[string]redisstore.ActiveSession)}
}

func (c *fakeCache) Save(ctx context.Context, session redisstore.ActiveSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved = append(c.saved, session)
	c.byStation[session.StationID] = session
	return nil
}

func (c *fakeCache) GetByStation(ctx context.Context, stationID string) (*redisstore.ActiveSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	session, ok := c.byStation[stationID]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (c *fakeCache) Delete(ctx context.Context, stationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byStation, stationID)
	c.deleted = append(c.deleted, stationID)
	return nil
}

type engineFixture struct {
	engine   *Engine
	txs      *fakeTxStore
	stations *fakeStations
	payments *fakePayments
	devices  *fakeDevices
	sim      *fakeSim
	receipts *fakeReceipts
	cache    *fakeCache
}

func newFixture() *engineFixture {
	f := &engineFixture{
		txs:      newFakeTxStore(),
		stations: &fakeStations{price: 2.50},
		payments: &fakePayments{},
		devices:  &fakeDevices{},
		sim:      newFakeSim(),
		receipts: &fakeReceipts{},
		cache:    newFakeCache(),
	}
	f.engine = NewEngine(Deps{
		Transactions: f.txs,
		Stations:     f.stations,
		Payments:     f.payments,
		Devices:      f.devices,
		Simulator:    f.sim,
		Receipts:     f.receipts,
		Cache:        f.cache,
		Currency:     "eur",
	}, zap.NewNop())
	return f
}

func (f *engineFixture) prepay(t *testing.T, stationID string, amount float64) *PrepayResult {
	t.Helper()
	result, err := f.engine.Prepay(context.Background(), PrepayInput{
		StationID: stationID,
		Amount:    amount,
		Email:     "driver@example.com",
	})
	require.NoError(t, err)
	return result
}

func TestPrepayCreatesPendingLedgerEntry(t *testing.T) {
	f := newFixture()

	result := f.prepay(t, "st-1", 50.00)

	require.NotZero(t, result.TransactionID)
	assert.Equal(t, "pi_1", result.PaymentIntentID)
	assert.NotEmpty(t, result.ClientSecret)

	tx := f.txs.get(result.TransactionID)
	assert.Equal(t, models.TxPending, tx.Status)
	assert.Equal(t, 50.00, tx.PrepaidAmount)
	assert.Equal(t, "pi_1", tx.PaymentIntentID)
}

func TestPrepayRejectsSecondActiveTransaction(t *testing.T) {
	f := newFixture()
	f.prepay(t, "st-1", 50.00)

	_, err := f.engine.Prepay(context.Background(), PrepayInput{StationID: "st-1", Amount: 20.00})
	assert.ErrorIs(t, err, repository.ErrConnectorBusy)
}

func TestStartSessionWithoutPrepaymentFails(t *testing.T) {
	f := newFixture()

	_, err := f.engine.StartSession(context.Background(), "st-1", nil)
	assert.ErrorIs(t, err, ErrNoPendingPayment)
	assert.Zero(t, f.stations.occupied)
}

func TestStartSessionLiveModeWhenDeviceAccepts(t *testing.T) {
	f := newFixture()
	f.devices.startOK = true
	prepaid := f.prepay(t, "st-1", 50.00)

	result, err := f.engine.StartSession(context.Background(), "st-1", nil)
	require.NoError(t, err)

	assert.Equal(t, ModeLive, result.Mode)
	assert.Equal(t, prepaid.TransactionID, result.TransactionID)
	assert.Empty(t, f.sim.running)

	tx := f.txs.get(result.TransactionID)
	assert.Equal(t, models.TxCharging, tx.Status)
	require.NotNil(t, tx.PricePerKWh)
	assert.Equal(t, 2.50, *tx.PricePerKWh)
	assert.Equal(t, 1, f.stations.occupied)
	require.Len(t, f.cache.saved, 1)
	assert.Equal(t, ModeLive, f.cache.saved[0].Mode)
}

func TestStartSessionFallsBackToSimulatedMode(t *testing.T) {
	f := newFixture()
	f.devices.startOK = false
	f.prepay(t, "st-1", 50.00)

	result, err := f.engine.StartSession(context.Background(), "st-1", nil)
	require.NoError(t, err)

	assert.Equal(t, ModeSimulated, result.Mode)
	assert.True(t, f.sim.running[result.TransactionID])

	// Payment was taken, so the session charges even though the device path
	// is down.
	tx := f.txs.get(result.TransactionID)
	assert.Equal(t, models.TxCharging, tx.Status)
}

func TestStopSessionSettlesAndRefundsUnusedBalance(t *testing.T) {
	f := newFixture()
	f.prepay(t, "st-1", 50.00)
	started, err := f.engine.StartSession(context.Background(), "st-1", nil)
	require.NoError(t, err)
	f.txs.setEnergy(started.TransactionID, 10.00)

	result, err := f.engine.StopSession(context.Background(), "st-1", "driver@example.com")
	require.NoError(t, err)

	assert.Equal(t, 25.00, result.Cost)
	assert.Equal(t, 25.00, result.RefundAmount)
	assert.Equal(t, 10.00, result.EnergyKWh)
	assert.False(t, result.RefundFailed)
	require.NotNil(t, result.RefundID)
	assert.True(t, result.ReceiptSent)

	// Refund goes over the wire in minor units.
	require.Len(t, f.payments.refunds, 1)
	assert.Equal(t, int64(2500), f.payments.refunds[0])

	tx := f.txs.get(started.TransactionID)
	assert.Equal(t, models.TxCompleted, tx.Status)
	require.NotNil(t, tx.FinalCost)
	assert.Equal(t, 25.00, *tx.FinalCost)
	assert.Equal(t, 1, f.stations.releaseCount())
	assert.Contains(t, f.sim.stopped, started.TransactionID)
	assert.Contains(t, f.cache.deleted, "st-1")
}

func TestStopSessionWithNothingActiveFails(t *testing.T) {
	f := newFixture()

	_, err := f.engine.StopSession(context.Background(), "st-1", "")
	assert.ErrorIs(t, err, ErrNoActiveSession)
	assert.Zero(t, f.devices.stopCalls)
	assert.Zero(t, f.stations.releaseCount())
}

func TestSettlementSurvivesRefundFailure(t *testing.T) {
	f := newFixture()
	f.payments.refundErr = errors.New("gateway unavailable")
	f.prepay(t, "st-1", 50.00)
	started, err := f.engine.StartSession(context.Background(), "st-1", nil)
	require.NoError(t, err)
	f.txs.setEnergy(started.TransactionID, 10.00)

	result, err := f.engine.StopSession(context.Background(), "st-1", "")
	require.NoError(t, err)

	assert.True(t, result.RefundFailed)
	assert.Nil(t, result.RefundID)
	assert.Equal(t, 25.00, result.RefundAmount)

	tx := f.txs.get(started.TransactionID)
	assert.Equal(t, models.TxCompleted, tx.Status)
	assert.Nil(t, tx.RefundID)
	assert.Equal(t, 1, f.stations.releaseCount())
}

func TestRefundClampsToZeroOnOverage(t *testing.T) {
	f := newFixture()
	f.prepay(t, "st-1", 50.00)
	started, err := f.engine.StartSession(context.Background(), "st-1", nil)
	require.NoError(t, err)
	// 30 kWh at 2.50 is 75.00, more than the 50.00 prepaid.
	f.txs.setEnergy(started.TransactionID, 30.00)

	result, err := f.engine.StopSession(context.Background(), "st-1", "")
	require.NoError(t, err)

	assert.Equal(t, 75.00, result.Cost)
	assert.Zero(t, result.RefundAmount)
	assert.Zero(t, f.payments.refundCount())
}

func TestSettlementIsIdempotent(t *testing.T) {
	f := newFixture()
	f.prepay(t, "st-1", 50.00)
	started, err := f.engine.StartSession(context.Background(), "st-1", nil)
	require.NoError(t, err)
	f.txs.setEnergy(started.TransactionID, 4.00)

	_, err = f.engine.StopSession(context.Background(), "st-1", "")
	require.NoError(t, err)

	_, err = f.engine.StopSession(context.Background(), "st-1", "")
	assert.ErrorIs(t, err, ErrNoActiveSession)
	assert.Equal(t, 1, f.payments.refundCount())
}

func TestSettlementPersistenceFailureForcesRelease(t *testing.T) {
	f := newFixture()
	f.prepay(t, "st-1", 50.00)
	_, err := f.engine.StartSession(context.Background(), "st-1", nil)
	require.NoError(t, err)

	f.txs.settleErr = errors.New("connection reset")
	_, err = f.engine.StopSession(context.Background(), "st-1", "")
	assert.ErrorIs(t, err, ErrSettlementPersistence)

	// The connector must not stay stuck behind the persistence outage.
	assert.Equal(t, 1, f.stations.releaseCount())
}

func TestReceiptFailureDoesNotFailSettlement(t *testing.T) {
	f := newFixture()
	f.receipts.err = errors.New("smtp down")
	f.prepay(t, "st-1", 50.00)
	started, err := f.engine.StartSession(context.Background(), "st-1", nil)
	require.NoError(t, err)
	f.txs.setEnergy(started.TransactionID, 2.00)

	result, err := f.engine.StopSession(context.Background(), "st-1", "driver@example.com")
	require.NoError(t, err)
	assert.False(t, result.ReceiptSent)
	assert.Equal(t, models.TxCompleted, f.txs.get(started.TransactionID).Status)
}

func TestRefundNeverExceedsPrepaidAmount(t *testing.T) {
	cases := []struct {
		name    string
		prepaid float64
		energy  float64
	}{
		{"unused", 50.00, 0},
		{"partial", 50.00, 7.5},
		{"exact", 25.00, 10.00},
		{"overage", 10.00, 40.00},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.prepay(t, "st-1", tc.prepaid)
			started, err := f.engine.StartSession(context.Background(), "st-1", nil)
			require.NoError(t, err)
			f.txs.setEnergy(started.TransactionID, tc.energy)

			result, err := f.engine.StopSession(context.Background(), "st-1", "")
			require.NoError(t, err)
			assert.GreaterOrEqual(t, result.RefundAmount, 0.0)
			assert.LessOrEqual(t, result.RefundAmount, tc.prepaid)
		})
	}
}

func TestGetLiveEnergyWithNothingChargingFails(t *testing.T) {
	f := newFixture()

	_, err := f.engine.GetLiveEnergy(context.Background(), "st-1")
	assert.ErrorIs(t, err, ErrNoActiveSession)

	// A prepayment alone is not a running session.
	f.prepay(t, "st-1", 50.00)
	_, err = f.engine.GetLiveEnergy(context.Background(), "st-1")
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestGetLiveEnergyUsesTariffSnapshot(t *testing.T) {
	f := newFixture()
	f.prepay(t, "st-1", 50.00)
	started, err := f.engine.StartSession(context.Background(), "st-1", nil)
	require.NoError(t, err)
	f.txs.setEnergy(started.TransactionID, 10.00)

	// A tariff change mid-session must not move the running estimate.
	f.stations.price = 9.99

	live, err := f.engine.GetLiveEnergy(context.Background(), "st-1")
	require.NoError(t, err)
	assert.Equal(t, started.TransactionID, live.TransactionID)
	assert.Equal(t, 10.00, live.EnergyKWh)
	assert.Equal(t, 25.00, live.EstimatedCost)
	assert.Equal(t, ModeSimulated, live.Mode)
}

func TestGetLiveEnergyFallsBackToCurrentPrice(t *testing.T) {
	f := newFixture()
	f.prepay(t, "st-1", 50.00)
	started, err := f.engine.StartSession(context.Background(), "st-1", nil)
	require.NoError(t, err)
	f.txs.setEnergy(started.TransactionID, 4.00)
	f.txs.clearPriceSnapshot(started.TransactionID)
	f.stations.price = 3.00

	live, err := f.engine.GetLiveEnergy(context.Background(), "st-1")
	require.NoError(t, err)
	assert.Equal(t, 12.00, live.EstimatedCost)
}

func TestGetLiveEnergyToleratesColdCache(t *testing.T) {
	f := newFixture()
	f.prepay(t, "st-1", 50.00)
	started, err := f.engine.StartSession(context.Background(), "st-1", nil)
	require.NoError(t, err)
	f.txs.setEnergy(started.TransactionID, 1.00)
	f.cache.getErr = errors.New("redis down")

	live, err := f.engine.GetLiveEnergy(context.Background(), "st-1")
	require.NoError(t, err)
	assert.Empty(t, live.Mode)
	assert.Equal(t, 2.50, live.EstimatedCost)
}

func TestEngineRunsWithoutSimulator(t *testing.T) {
	f := newFixture()
	f.engine = NewEngine(Deps{
		Transactions: f.txs,
		Stations:     f.stations,
		Payments:     f.payments,
		Devices:      f.devices,
		Receipts:     f.receipts,
		Cache:        f.cache,
		Currency:     "eur",
	}, zap.NewNop())
	f.devices.startOK = false
	f.prepay(t, "st-1", 50.00)

	started, err := f.engine.StartSession(context.Background(), "st-1", nil)
	require.NoError(t, err)
	assert.Equal(t, ModeSimulated, started.Mode)

	result, err := f.engine.StopSession(context.Background(), "st-1", "")
	require.NoError(t, err)
	assert.Zero(t, result.Cost)
	assert.Equal(t, models.TxCompleted, f.txs.get(started.TransactionID).Status)
}

func TestStopSessionSettlesEvenWhenDeviceStopFails(t *testing.T) {
	f := newFixture()
	f.devices.stopOK = false
	f.prepay(t, "st-1", 50.00)
	started, err := f.engine.StartSession(context.Background(), "st-1", nil)
	require.NoError(t, err)
	f.txs.setEnergy(started.TransactionID, 1.00)

	result, err := f.engine.StopSession(context.Background(), "st-1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, f.devices.stopCalls)
	assert.Equal(t, models.TxCompleted, f.txs.get(result.TransactionID).Status)
}
