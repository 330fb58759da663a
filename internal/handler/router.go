package handler

import (
	"net/http"

	"github.com/gorilla/mux"
)

// PublicPaths are served without authentication
var PublicPaths = []string{"/health", "/readiness", "/liveness", "/metrics"}

// NewRouter assembles the admin router. Middlewares wrap every route in the
// order given.
func NewRouter(admin *AdminHandler, health *HealthHandler, metrics *PrometheusHandler, middlewares ...mux.MiddlewareFunc) *mux.Router {
	router := mux.NewRouter()
	router.Use(middlewares...)

	router.HandleFunc("/health", health.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/readiness", health.ReadinessHandler).Methods(http.MethodGet)
	router.HandleFunc("/liveness", health.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/metrics", metrics.MetricsHandler).Methods(http.MethodGet)
	admin.Routes(router)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": map[string]interface{}{"code": "NOT_FOUND", "message": "no route for " + r.URL.Path},
		})
	})
	return router
}
