package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/davidmoltin/bizflow/internal/engine"
)

// ErrSchemaViolation is returned when data does not match its schema
var ErrSchemaViolation = errors.New("schema violation")

// ValidateSchemaConfig configures validate_schema. Data defaults to the
// trigger payload.
type ValidateSchemaConfig struct {
	Schema map[string]interface{} `json:"schema" validate:"required"`
	Data   interface{}            `json:"data"`
}

// ValidateSchemaAction checks data against a JSON Schema
type ValidateSchemaAction struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

// NewValidateSchemaAction creates a validate_schema action
func NewValidateSchemaAction() *ValidateSchemaAction {
	return &ValidateSchemaAction{cache: make(map[string]*jsonschema.Schema)}
}

func (a *ValidateSchemaAction) Kind() string { return "validate_schema" }

func (a *ValidateSchemaAction) ValidateConfig(raw map[string]interface{}) error {
	var cfg ValidateSchemaConfig
	if err := engine.DecodeConfig(raw, &cfg); err != nil {
		return err
	}
	_, err := a.compile(cfg.Schema)
	return err
}

func (a *ValidateSchemaAction) Execute(_ context.Context, config map[string]interface{}, vars map[string]interface{}) (map[string]interface{}, error) {
	var cfg ValidateSchemaConfig
	if err := engine.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}

	sch, err := a.compile(cfg.Schema)
	if err != nil {
		return nil, err
	}

	data := cfg.Data
	if data == nil {
		data = vars["trigger"]
	}
	doc, err := toSchemaValue(data)
	if err != nil {
		return nil, fmt.Errorf("data is not JSON compatible: %w", err)
	}

	if err := sch.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if !errors.As(err, &verr) {
			return nil, err
		}
		violations := collectViolations(verr)
		out := map[string]interface{}{
			"valid":      false,
			"violations": violations,
		}
		return out, fmt.Errorf("%w: %s", ErrSchemaViolation, strings.Join(violations, "; "))
	}

	return map[string]interface{}{"valid": true}, nil
}

func (a *ValidateSchemaAction) compile(schema map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("%w: schema: %v", engine.ErrInvalidConfig, err)
	}
	key := string(raw)

	a.mu.Lock()
	defer a.mu.Unlock()

	if sch, ok := a.cache[key]; ok {
		return sch, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("%w: schema: %v", engine.ErrInvalidConfig, err)
	}

	url := fmt.Sprintf("bizflow://schema/%d", len(a.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("%w: schema: %v", engine.ErrInvalidConfig, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%w: schema: %v", engine.ErrInvalidConfig, err)
	}

	a.cache[key] = sch
	return sch, nil
}

// toSchemaValue round-trips v through JSON so numbers become json.Number
func toSchemaValue(v interface{}) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
