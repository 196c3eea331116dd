package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ignite/sparkpost-monitor/internal/auth"
	"github.com/ignite/sparkpost-monitor/internal/pkg/httputil"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the Operator Surface's chi router. Returns the
// top-level mux AND the /api sub-router so that late-registered route groups
// (the Job Controller, the Pressure Controller config routes) can be mounted
// inside /api and inherit its auth middleware.
func SetupRoutes(authManager *auth.AuthManager) (*chi.Mux, chi.Router) {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// Server identity header - distinguishes real server from stub API
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Server-Identity", "ignite-server-v1.0")
			w.Header().Set("X-Server-Binary", "cmd/server")
			next.ServeHTTP(w, req)
		})
	})

	// CORS - allow credentials for auth cookies (explicit origins)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Auth routes (no auth required)
	if authManager != nil {
		r.Get("/auth/login", authManager.HandleLogin)
		r.Get("/auth/callback", authManager.HandleCallback)
		r.Get("/auth/logout", authManager.HandleLogout)
		r.Get("/auth/user", authManager.HandleUserInfo)
	}

	// API routes (protected by auth middleware). Job Controller and Config
	// Store routes are mounted here later by SetJobController, once those
	// dependencies exist.
	var apiRouter chi.Router
	devMode := os.Getenv("DEV_MODE") == "true" || os.Getenv("ENVIRONMENT") == "development"

	r.Route("/api", func(r chi.Router) {
		apiRouter = r // capture so late-registered groups can use it
		if authManager != nil && !devMode {
			r.Use(func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
					if !authManager.IsAuthenticated(req) {
						httputil.Error(w, http.StatusUnauthorized, "unauthorized")
						return
					}
					next.ServeHTTP(w, req)
				})
			})
		}
	})

	// Serve static files for the operator dashboard (SPA with fallback to index.html)
	spaHandler(r, "./web/dist")

	return r, apiRouter
}

// spaHandler serves static files and falls back to index.html for SPA routing
func spaHandler(r chi.Router, staticPath string) {
	r.Get("/*", func(w http.ResponseWriter, req *http.Request) {
		path := req.URL.Path

		// Skip API and health routes
		if strings.HasPrefix(path, "/api") || strings.HasPrefix(path, "/health") || strings.HasPrefix(path, "/auth") {
			http.NotFound(w, req)
			return
		}

		filePath := filepath.Join(staticPath, path)
		if _, err := os.Stat(filePath); err == nil {
			http.ServeFile(w, req, filePath)
			return
		}

		indexPath := filepath.Join(staticPath, "index.html")
		http.ServeFile(w, req, indexPath)
	})
}

// corsOrigins returns the CORS_ORIGINS env var as a comma-separated allow
// list, falling back to the known dashboard/dev origins when unset.
//
// Grounded on original_source/pmta_accounting_bridge.py's CORS_ORIGINS
// env-driven allow-list, mirrored here on the Operator Surface's own
// go-chi/cors setup.
func corsOrigins() []string {
	raw := os.Getenv("CORS_ORIGINS")
	if raw == "" {
		return []string{"https://projectjarvis.io", "http://localhost:5173", "http://localhost:8080"}
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
