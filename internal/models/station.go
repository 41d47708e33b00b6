package models

import "time"

// Connector status values. Faulted and unavailable are operator-set and win
// over anything derived from the ledger.
const (
	ConnectorAvailable   = "available"
	ConnectorCharging    = "charging"
	ConnectorFaulted     = "faulted"
	ConnectorUnavailable = "unavailable"
	ConnectorOccupied    = "occupied"
)

// Station is a physical charging location.
type Station struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Location    string    `db:"location" json:"location"`
	PricePerKWh float64   `db:"price_per_kwh" json:"price_per_kwh"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Connector is an individual socket on a station. PricePerKWh, when set,
// overrides the station default.
type Connector struct {
	ID          int64     `db:"id" json:"id"`
	StationID   string    `db:"station_id" json:"station_id"`
	Type        string    `db:"connector_type" json:"connector_type"`
	PowerKW     float64   `db:"power_kw" json:"power_kw"`
	PricePerKWh *float64  `db:"price_per_kwh" json:"price_per_kwh,omitempty"`
	Status      string    `db:"status" json:"status"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// ConnectorView is a connector with its status recomputed from ledger state.
type ConnectorView struct {
	Connector
	EffectiveStatus string `json:"effective_status"`
}

// StationView joins a station with its connectors for status queries.
type StationView struct {
	Station    Station         `json:"station"`
	Connectors []ConnectorView `json:"connectors"`
	Occupied   bool            `json:"occupied"`
}
