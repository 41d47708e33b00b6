package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chargepilot/internal/models"
)

func TestEffectiveConnectorStatus(t *testing.T) {
	cases := []struct {
		name     string
		stored   string
		active   bool
		expected string
	}{
		{"available idle", models.ConnectorAvailable, false, models.ConnectorAvailable},
		{"available with active tx", models.ConnectorAvailable, true, models.ConnectorCharging},
		{"occupied with active tx", models.ConnectorOccupied, true, models.ConnectorCharging},
		{"fault wins over idle", models.ConnectorFaulted, false, models.ConnectorFaulted},
		{"fault wins over active tx", models.ConnectorFaulted, true, models.ConnectorFaulted},
		{"unavailable reads as faulted", models.ConnectorUnavailable, false, models.ConnectorFaulted},
		{"unavailable wins over active tx", models.ConnectorUnavailable, true, models.ConnectorFaulted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, EffectiveConnectorStatus(tc.stored, tc.active))
		})
	}
}

type fakeStationReader struct {
	station    *models.Station
	connectors []models.Connector
}

func (f *fakeStationReader) GetStation(ctx context.Context, id string) (*models.Station, error) {
	return f.station, nil
}

func (f *fakeStationReader) ListConnectors(ctx context.Context, stationID string) ([]models.Connector, error) {
	return f.connectors, nil
}

type fakeActiveReader struct {
	active map[int64]bool
	// connectorless marks a station-level transaction with no connector row.
	connectorless bool
}

func (f *fakeActiveReader) ActiveConnectorIDs(ctx context.Context, stationID string) (map[int64]bool, error) {
	return f.active, nil
}

func (f *fakeActiveReader) HasActiveByStation(ctx context.Context, stationID string) (bool, error) {
	return f.connectorless || len(f.active) > 0, nil
}

func TestStationViewRecomputesStatus(t *testing.T) {
	stations := &fakeStationReader{
		station: &models.Station{ID: "st-1", Name: "Depot", PricePerKWh: 2.50},
		connectors: []models.Connector{
			{ID: 1, StationID: "st-1", Status: models.ConnectorOccupied},
			{ID: 2, StationID: "st-1", Status: models.ConnectorAvailable},
			{ID: 3, StationID: "st-1", Status: models.ConnectorFaulted},
		},
	}
	txs := &fakeActiveReader{active: map[int64]bool{1: true}}

	reg := New(stations, txs, zap.NewNop())
	view, err := reg.StationView(context.Background(), "st-1")
	require.NoError(t, err)

	require.Len(t, view.Connectors, 3)
	assert.Equal(t, models.ConnectorCharging, view.Connectors[0].EffectiveStatus)
	assert.Equal(t, models.ConnectorAvailable, view.Connectors[1].EffectiveStatus)
	assert.Equal(t, models.ConnectorFaulted, view.Connectors[2].EffectiveStatus)
	assert.True(t, view.Occupied)
}

func TestStationViewConnectorlessSessionMarksWholeStation(t *testing.T) {
	stations := &fakeStationReader{
		station: &models.Station{ID: "st-3", Name: "Curbside", PricePerKWh: 1.80},
		connectors: []models.Connector{
			{ID: 20, StationID: "st-3", Status: models.ConnectorAvailable},
			{ID: 21, StationID: "st-3", Status: models.ConnectorOccupied},
			{ID: 22, StationID: "st-3", Status: models.ConnectorFaulted},
		},
	}
	txs := &fakeActiveReader{active: map[int64]bool{}, connectorless: true}

	reg := New(stations, txs, zap.NewNop())
	view, err := reg.StationView(context.Background(), "st-3")
	require.NoError(t, err)

	// No connector is named, so all of them read charging except the fault.
	require.Len(t, view.Connectors, 3)
	assert.Equal(t, models.ConnectorCharging, view.Connectors[0].EffectiveStatus)
	assert.Equal(t, models.ConnectorCharging, view.Connectors[1].EffectiveStatus)
	assert.Equal(t, models.ConnectorFaulted, view.Connectors[2].EffectiveStatus)
	assert.True(t, view.Occupied)
}

func TestStationViewIdleStation(t *testing.T) {
	stations := &fakeStationReader{
		station: &models.Station{ID: "st-2", Name: "Mall"},
		connectors: []models.Connector{
			{ID: 10, StationID: "st-2", Status: models.ConnectorAvailable},
		},
	}
	txs := &fakeActiveReader{active: map[int64]bool{}}

	reg := New(stations, txs, zap.NewNop())
	view, err := reg.StationView(context.Background(), "st-2")
	require.NoError(t, err)

	assert.False(t, view.Occupied)
	assert.Equal(t, models.ConnectorAvailable, view.Connectors[0].EffectiveStatus)
}
