package httpserver

import "net/http"

// Routes groups handlers.
type Routes struct {
	Prepay       http.HandlerFunc
	SessionStart http.HandlerFunc
	SessionStop  http.HandlerFunc
	LiveEnergy   http.HandlerFunc
	StationView  http.HandlerFunc
	DeviceWS     http.HandlerFunc
	TelemetryWS  http.HandlerFunc
	Health       http.HandlerFunc
	Metrics      http.Handler
	Auth         func(http.Handler) http.Handler
}

// NewRouter registers endpoints. Mutating endpoints sit behind the bearer
// middleware; websocket and scrape endpoints do not.
func NewRouter(routes Routes) http.Handler {
	mux := http.NewServeMux()

	authenticated := func(h http.HandlerFunc) http.Handler {
		if routes.Auth == nil {
			return h
		}
		return routes.Auth(h)
	}

	if routes.Prepay != nil {
		mux.Handle("/api/payments/prepay", method(http.MethodPost, authenticated(routes.Prepay)))
	}
	if routes.SessionStart != nil {
		mux.Handle("/api/sessions/start", method(http.MethodPost, authenticated(routes.SessionStart)))
	}
	if routes.SessionStop != nil {
		mux.Handle("/api/sessions/stop", method(http.MethodPost, authenticated(routes.SessionStop)))
	}
	if routes.LiveEnergy != nil {
		mux.Handle("/api/stations/live", method(http.MethodGet, routes.LiveEnergy))
	}
	if routes.StationView != nil {
		mux.Handle("/api/stations/view", method(http.MethodGet, routes.StationView))
	}
	if routes.DeviceWS != nil {
		mux.Handle("/ws/stations", routes.DeviceWS)
	}
	if routes.TelemetryWS != nil {
		mux.Handle("/ws/telemetry", routes.TelemetryWS)
	}
	if routes.Health != nil {
		mux.Handle("/health", method(http.MethodGet, routes.Health))
	}
	if routes.Metrics != nil {
		mux.Handle("/metrics", routes.Metrics)
	}
	return mux
}

func method(expected string, handler http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != expected {
			w.Header().Set("Allow", expected)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handler.ServeHTTP(w, r)
	}
}
