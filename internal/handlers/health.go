package handlers

import (
	"net/http"
)

// HealthCheck reports server liveness and the state of the session store.
// GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if Store != nil {
		if err := Store.Ping(); err == nil {
			dbStatus = "connected"
		}
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	sessions := 0
	connections := 0
	if Registry != nil {
		sessions = Registry.Count()
	}
	if Hub != nil {
		connections = Hub.ConnCount()
	}

	// All traffic (REST and WebSocket) shares one listener.
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"mode":        "single-port",
		"database":    dbStatus,
		"websocket":   "/ws",
		"sessions":    sessions,
		"connections": connections,
	})
}
