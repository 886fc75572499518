package controller

import (
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"github.com/litmus-labs/litmus/app/litmus/types"
	"github.com/litmus-labs/litmus/pkg/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Controller struct {
	App       *types.App
	APIToken  string
	AuthUser  string
	AuthHash  []byte
	JWTSecret []byte
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	apiToken := utils.Env("API_TOKEN", "")
	authUser := utils.Env("API_USER", "admin")
	authPass := utils.Env("API_PASSWORD", "admin")
	jwtSecret := []byte(utils.Env("API_JWT_SECRET", "change-me-please"))

	phash, _ := utils.HashOrRead(authPass)

	return &Controller{
		App:       app,
		APIToken:  apiToken,
		AuthUser:  authUser,
		AuthHash:  phash,
		JWTSecret: jwtSecret,
	}
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodOptions)

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter returns a new router with all the routes defined in this file.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", c.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", c.HandleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(c.App.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/v1/auth/login", c.HandleLogin).Methods(http.MethodPost)
	r.HandleFunc("/v1/auth/logout", c.HandleLogout).Methods(http.MethodPost)

	// Read-only views
	r.HandleFunc("/v1/state", c.HandleState).Methods(http.MethodGet)
	r.HandleFunc("/v1/peers", c.HandlePeers).Methods(http.MethodGet)
	r.HandleFunc("/v1/switch-blocks", c.HandleSwitchBlocks).Methods(http.MethodGet)
	r.HandleFunc("/v1/eras/{era}/validators", c.HandleValidators).Methods(http.MethodGet)
	r.HandleFunc("/v1/ws", c.HandleWebSocket).Methods(http.MethodGet)

	// Commands
	r.Handle("/v1/switch-block/latest", c.RequireAuth(http.HandlerFunc(c.HandleLastSwitchBlock))).Methods(http.MethodPost)
	r.Handle("/v1/trusted", c.RequireAuth(http.HandlerFunc(c.HandleTrustedBlock))).Methods(http.MethodPost)
	r.Handle("/v1/check", c.RequireAuth(http.HandlerFunc(c.HandleCheck))).Methods(http.MethodPost)
	r.Handle("/v1/cancel", c.RequireAuth(http.HandlerFunc(c.HandleCancel))).Methods(http.MethodPost)
	r.Handle("/v1/account", c.RequireAuth(http.HandlerFunc(c.HandleAccount))).Methods(http.MethodPost)
	r.Handle("/v1/merkle", c.RequireAuth(http.HandlerFunc(c.HandleMerkle))).Methods(http.MethodPost)

	return r, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
