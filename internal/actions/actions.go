// Package actions provides the built-in utility actions of the engine.
// Business side effects (email, payments, CRM) are registered by the host
// application through the same engine.Action contract.
package actions

import (
	"net/http"
	"time"

	"github.com/davidmoltin/bizflow/internal/engine"
	"github.com/davidmoltin/bizflow/pkg/logger"
)

// Options configures the built-in actions
type Options struct {
	Logger     *logger.Logger
	HTTPClient *http.Client
}

// RegisterBuiltins registers log, set_variable, http_request, transform and
// validate_schema on reg
func RegisterBuiltins(reg *engine.Registry, opts Options) error {
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	builtins := []engine.Action{
		NewLogAction(log),
		NewSetVariableAction(),
		NewHTTPRequestAction(client, log),
		NewTransformAction(),
		NewValidateSchemaAction(),
	}
	for _, a := range builtins {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}
