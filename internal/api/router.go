/**
 * @description
 * This file sets up the HTTP router for the bridge-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// BridgeRoutes creates and returns a new router for the bridge service.
func BridgeRoutes(h *BridgeHandlers, jwtSecret string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Get("/chains", h.ListChainsHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(ServiceAuthMiddleware(jwtSecret))

		r.Post("/swaps", h.SubmitSwapHandler)
		r.Get("/swaps/{swapID}", h.GetSwapHandler)
		r.Post("/swaps/{swapID}/cancel", h.CancelSwapHandler)
		r.Get("/rates", h.GetRateHandler)
	})

	return r
}
