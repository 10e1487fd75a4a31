package api

import (
	"net/http"

	httpSwagger "github.com/swaggo/http-swagger"

	"firmware-depot/internal/api/handlers"
)

// NewRouter wires HTTP routes to handlers.
func NewRouter(fh *handlers.FirmwareHandler, uh *handlers.UserHandler, hh *handlers.HealthHandler) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/api/health", hh)
	mux.HandleFunc("/api/devices", fh.Devices)
	mux.HandleFunc("/api/firmwares", fh.Collection)
	mux.HandleFunc("/api/firmwares/", fh.Collection)
	mux.Handle("/api/firmware/", fh)

	mux.HandleFunc("/api/login", uh.Login)
	mux.HandleFunc("/api/user", uh.Self)
	mux.HandleFunc("/api/user/", uh.Self)
	mux.HandleFunc("/api/users", uh.Admin)
	mux.HandleFunc("/api/users/", uh.Admin)

	// Swagger UI at /swagger/index.html
	mux.HandleFunc("/swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return mux
}
