package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidmoltin/bizflow/internal/engine"
)

// SetVariableConfig configures set_variable. Either Name/Value or
// Variables must be given.
type SetVariableConfig struct {
	Name      string                 `json:"name" validate:"omitempty,identifier"`
	Value     interface{}            `json:"value"`
	Variables map[string]interface{} `json:"variables"`
}

// SetVariableAction writes execution variables
type SetVariableAction struct{}

// NewSetVariableAction creates a set_variable action
func NewSetVariableAction() *SetVariableAction {
	return &SetVariableAction{}
}

func (a *SetVariableAction) Kind() string { return "set_variable" }

func (a *SetVariableAction) ValidateConfig(raw map[string]interface{}) error {
	var cfg SetVariableConfig
	if err := engine.DecodeConfig(raw, &cfg); err != nil {
		return err
	}
	if cfg.Name == "" && len(cfg.Variables) == 0 {
		return errors.New("either name or variables is required")
	}
	return nil
}

func (a *SetVariableAction) Execute(ctx context.Context, config map[string]interface{}, _ map[string]interface{}) (map[string]interface{}, error) {
	if err := a.ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrInvalidConfig, err)
	}
	var cfg SetVariableConfig
	if err := engine.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}

	runner, ok := engine.RunnerFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: set_variable needs an execution context", engine.ErrInvalidConfig)
	}

	out := make(map[string]interface{}, len(cfg.Variables)+1)
	for k, v := range cfg.Variables {
		runner.SetVariable(k, v)
		out[k] = v
	}
	if cfg.Name != "" {
		runner.SetVariable(cfg.Name, cfg.Value)
		out[cfg.Name] = cfg.Value
	}
	return out, nil
}
