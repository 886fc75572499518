package litmus

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/litmus-labs/litmus/app/litmus/controller"
	"github.com/litmus-labs/litmus/app/litmus/types"
	"github.com/litmus-labs/litmus/pkg/utils"
)

// NewServer builds the HTTP control surface and attaches it to app.
func NewServer(app *types.App) error {
	ctler := controller.NewController(app)
	router, err := ctler.NewRouter()
	if err != nil {
		return err
	}

	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":3001")

	app.Server = &http.Server{
		Addr:              addr,
		Handler:           controller.WithCORS(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	app.Logger.Info("Starting server", zap.String("addr", addr))

	return nil
}
