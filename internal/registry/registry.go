package registry

import (
	"context"

	"go.uber.org/zap"

	"chargepilot/internal/models"
)

// StationReader is the slice of station persistence the registry needs.
type StationReader interface {
	GetStation(ctx context.Context, id string) (*models.Station, error)
	ListConnectors(ctx context.Context, stationID string) ([]models.Connector, error)
}

// ActiveReader reports which connectors are held by pending/charging
// transactions.
type ActiveReader interface {
	ActiveConnectorIDs(ctx context.Context, stationID string) (map[int64]bool, error)
	HasActiveByStation(ctx context.Context, stationID string) (bool, error)
}

// EffectiveConnectorStatus derives the status actually shown and acted on.
// Operator-set faults win; an active transaction makes the connector
// charging; otherwise the stored status stands. The stored field is never
// trusted on its own once a session exists, so this runs on every read.
func EffectiveConnectorStatus(stored string, hasActiveTx bool) string {
	if stored == models.ConnectorFaulted || stored == models.ConnectorUnavailable {
		return models.ConnectorFaulted
	}
	if hasActiveTx {
		return models.ConnectorCharging
	}
	return stored
}

// Registry assembles station views with recomputed connector status.
type Registry struct {
	stations StationReader
	txs      ActiveReader
	logger   *zap.Logger
}

// New builds registry.
func New(stations StationReader, txs ActiveReader, logger *zap.Logger) *Registry {
	return &Registry{stations: stations, txs: txs, logger: logger}
}

// StationView returns the station with every connector's effective status
// recomputed from the fault flag and live transaction membership.
func (r *Registry) StationView(ctx context.Context, stationID string) (*models.StationView, error) {
	station, err := r.stations.GetStation(ctx, stationID)
	if err != nil {
		return nil, err
	}

	connectors, err := r.stations.ListConnectors(ctx, stationID)
	if err != nil {
		return nil, err
	}

	active, err := r.txs.ActiveConnectorIDs(ctx, stationID)
	if err != nil {
		return nil, err
	}

	stationActive, err := r.txs.HasActiveByStation(ctx, stationID)
	if err != nil {
		return nil, err
	}

	// A connectorless transaction occupies the whole station, so every
	// non-faulted connector reads as charging in that case.
	stationWide := stationActive && len(active) == 0

	views := make([]models.ConnectorView, 0, len(connectors))
	for _, c := range connectors {
		views = append(views, models.ConnectorView{
			Connector:       c,
			EffectiveStatus: EffectiveConnectorStatus(c.Status, active[c.ID] || stationWide),
		})
	}

	return &models.StationView{
		Station:    *station,
		Connectors: views,
		Occupied:   stationActive,
	}, nil
}
