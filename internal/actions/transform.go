package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/davidmoltin/bizflow/internal/engine"
)

// TransformConfig configures transform. Input defaults to all execution
// variables.
type TransformConfig struct {
	Query string      `json:"query" validate:"required"`
	Input interface{} `json:"input"`
	All   bool        `json:"all"`
}

// TransformAction reshapes data with a jq query
type TransformAction struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewTransformAction creates a transform action
func NewTransformAction() *TransformAction {
	return &TransformAction{cache: make(map[string]*gojq.Code)}
}

func (a *TransformAction) Kind() string { return "transform" }

func (a *TransformAction) ValidateConfig(raw map[string]interface{}) error {
	var cfg TransformConfig
	if err := engine.DecodeConfig(raw, &cfg); err != nil {
		return err
	}
	_, err := a.compile(cfg.Query)
	return err
}

func (a *TransformAction) Execute(ctx context.Context, config map[string]interface{}, vars map[string]interface{}) (map[string]interface{}, error) {
	var cfg TransformConfig
	if err := engine.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}

	code, err := a.compile(cfg.Query)
	if err != nil {
		return nil, err
	}

	input := cfg.Input
	if input == nil {
		input = vars
	}
	normalized, err := normalizeJSON(input)
	if err != nil {
		return nil, fmt.Errorf("transform input is not JSON compatible: %w", err)
	}

	iter := code.RunWithContext(ctx, normalized)
	var results []interface{}
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq evaluation failed for %q: %w", cfg.Query, err)
		}
		results = append(results, v)
	}

	var result interface{}
	switch {
	case cfg.All:
		if results == nil {
			results = []interface{}{}
		}
		result = results
	case len(results) == 1:
		result = results[0]
	case len(results) > 1:
		result = results
	}
	return map[string]interface{}{"result": result}, nil
}

func (a *TransformAction) compile(query string) (*gojq.Code, error) {
	a.mu.RLock()
	code, ok := a.cache[query]
	a.mu.RUnlock()
	if ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("%w: jq parse error in %q: %v", engine.ErrInvalidConfig, query, err)
	}
	code, err = gojq.Compile(parsed, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, fmt.Errorf("%w: jq compile error in %q: %v", engine.ErrInvalidConfig, query, err)
	}

	a.mu.Lock()
	a.cache[query] = code
	a.mu.Unlock()
	return code, nil
}

// normalizeJSON converts v into the plain JSON types gojq accepts
func normalizeJSON(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
