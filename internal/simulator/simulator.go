package simulator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"chargepilot/internal/repository"
	"chargepilot/internal/telemetry"
)

// EnergyStore is the slice of the ledger the simulator writes through. The
// implementation must refuse the increment once the transaction leaves
// charging, returning repository.ErrNotCharging.
type EnergyStore interface {
	AddEnergy(ctx context.Context, txID int64, deltaKWh float64) (float64, error)
}

// Publisher receives one telemetry event per tick.
type Publisher interface {
	Publish(ev telemetry.Event)
}

const tickWriteTimeout = 5 * time.Second

// Simulator synthesizes energy readings for sessions whose charge point is
// unreachable: one ticker goroutine per transaction, each tick adding a fixed
// quantum to the ledger and publishing the new total. The registry of running
// tickers is soft state; the ledger status guard is what actually stops a
// stray ticker from billing a settled transaction.
type Simulator struct {
	store      EnergyStore
	pub        Publisher
	interval   time.Duration
	quantumKWh float64
	logger     *zap.Logger

	mu     sync.Mutex
	active map[int64]context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a simulator. interval is the tick cadence, quantumKWh the energy
// added per tick.
func New(store EnergyStore, pub Publisher, interval time.Duration, quantumKWh float64, logger *zap.Logger) *Simulator {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if quantumKWh <= 0 {
		quantumKWh = 0.05
	}
	return &Simulator{
		store:      store,
		pub:        pub,
		interval:   interval,
		quantumKWh: quantumKWh,
		logger:     logger,
		active:     make(map[int64]context.CancelFunc),
	}
}

// Start begins simulated metering for the transaction. A second start for the
// same id is a no-op and returns false.
func (s *Simulator) Start(txID int64, stationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.active[txID]; running {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.active[txID] = cancel
	s.wg.Add(1)
	go s.run(ctx, txID, stationID)

	s.logger.Info("simulated metering started",
		zap.Int64("transaction_id", txID),
		zap.String("station_id", stationID),
	)
	return true
}

// Stop cancels the ticker for the transaction. Missing id is a no-op.
func (s *Simulator) Stop(txID int64) {
	s.mu.Lock()
	cancel, ok := s.active[txID]
	if ok {
		delete(s.active, txID)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// ActiveCount returns the number of running tickers.
func (s *Simulator) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Close stops every ticker and waits for them to exit.
func (s *Simulator) Close() {
	s.mu.Lock()
	for id, cancel := range s.active {
		cancel()
		delete(s.active, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Simulator) run(ctx context.Context, txID int64, stationID string) {
	defer s.wg.Done()
	defer s.remove(txID)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.tick(txID, stationID) {
				return
			}
		}
	}
}

// tick writes one quantum and publishes the total. Returns false once the
// transaction stopped charging, which self-terminates the loop.
func (s *Simulator) tick(txID int64, stationID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), tickWriteTimeout)
	defer cancel()

	total, err := s.store.AddEnergy(ctx, txID, s.quantumKWh)
	if errors.Is(err, repository.ErrNotCharging) {
		s.logger.Info("transaction no longer charging, simulator stopping",
			zap.Int64("transaction_id", txID),
		)
		return false
	}
	if err != nil {
		s.logger.Warn("simulator energy write failed",
			zap.Int64("transaction_id", txID),
			zap.Error(err),
		)
		return true
	}

	if s.pub != nil {
		s.pub.Publish(telemetry.Event{
			StationID:     stationID,
			TransactionID: txID,
			EnergyKWh:     total,
			PowerKW:       s.quantumKWh / s.interval.Hours(),
			At:            time.Now().UTC(),
		})
	}
	return true
}

func (s *Simulator) remove(txID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, txID)
}
