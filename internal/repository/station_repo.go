package repository

import (
	"context"
	"database/sql"
	"errors"

	"chargepilot/internal/models"
)

// ErrStationNotFound indicates missing station or connector.
var ErrStationNotFound = errors.New("station not found")

// StationRepository reads stations/connectors and updates stored connector
// status. Inventory management (creating stations) lives elsewhere.
type StationRepository struct {
	db *sql.DB
}

// NewStationRepository returns repository.
func NewStationRepository(db *sql.DB) *StationRepository {
	return &StationRepository{db: db}
}

// GetStation returns a station by id.
func (r *StationRepository) GetStation(ctx context.Context, id string) (*models.Station, error) {
	const query = `
		SELECT id, name, location, price_per_kwh, created_at, updated_at
		FROM stations
		WHERE id = $1
	`
	var s models.Station
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID,
		&s.Name,
		&s.Location,
		&s.PricePerKWh,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListConnectors returns all connectors of a station.
func (r *StationRepository) ListConnectors(ctx context.Context, stationID string) ([]models.Connector, error) {
	const query = `
		SELECT id, station_id, connector_type, power_kw, price_per_kwh, status, created_at, updated_at
		FROM connectors
		WHERE station_id = $1
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var connectors []models.Connector
	for rows.Next() {
		var c models.Connector
		if err := rows.Scan(
			&c.ID,
			&c.StationID,
			&c.Type,
			&c.PowerKW,
			&c.PricePerKWh,
			&c.Status,
			&c.CreatedAt,
			&c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		connectors = append(connectors, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return connectors, nil
}

// PriceFor resolves the applicable tariff: the connector override when a
// connector is given and has one, else the station default.
func (r *StationRepository) PriceFor(ctx context.Context, stationID string, connectorID *int64) (float64, error) {
	if connectorID != nil {
		const query = `
			SELECT COALESCE(c.price_per_kwh, s.price_per_kwh)
			FROM connectors c
			JOIN stations s ON s.id = c.station_id
			WHERE c.id = $1 AND c.station_id = $2
		`
		var price float64
		err := r.db.QueryRowContext(ctx, query, *connectorID, stationID).Scan(&price)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrStationNotFound
		}
		if err != nil {
			return 0, err
		}
		return price, nil
	}

	const query = `SELECT price_per_kwh FROM stations WHERE id = $1`
	var price float64
	err := r.db.QueryRowContext(ctx, query, stationID).Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrStationNotFound
	}
	if err != nil {
		return 0, err
	}
	return price, nil
}

// MarkOccupied sets stored connector status to occupied for the session's
// connector, or for every free connector of the station when the session has
// none. Operator-set faulted/unavailable rows are left alone.
func (r *StationRepository) MarkOccupied(ctx context.Context, stationID string, connectorID *int64) error {
	if connectorID != nil {
		const query = `
			UPDATE connectors
			SET status = 'occupied', updated_at = NOW()
			WHERE id = $1 AND station_id = $2 AND status = 'available'
		`
		_, err := r.db.ExecContext(ctx, query, *connectorID, stationID)
		return err
	}
	const query = `
		UPDATE connectors
		SET status = 'occupied', updated_at = NOW()
		WHERE station_id = $1 AND status = 'available'
	`
	_, err := r.db.ExecContext(ctx, query, stationID)
	return err
}

// Release returns occupied connectors to available. Only rows the engine
// marked occupied are touched, so operator faults survive a release.
func (r *StationRepository) Release(ctx context.Context, stationID string, connectorID *int64) error {
	if connectorID != nil {
		const query = `
			UPDATE connectors
			SET status = 'available', updated_at = NOW()
			WHERE id = $1 AND station_id = $2 AND status = 'occupied'
		`
		_, err := r.db.ExecContext(ctx, query, *connectorID, stationID)
		return err
	}
	const query = `
		UPDATE connectors
		SET status = 'available', updated_at = NOW()
		WHERE station_id = $1 AND status = 'occupied'
	`
	_, err := r.db.ExecContext(ctx, query, stationID)
	return err
}
