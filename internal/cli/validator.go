package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/davidmoltin/bizflow/internal/actions"
	"github.com/davidmoltin/bizflow/internal/engine"
	"github.com/davidmoltin/bizflow/internal/models"
	"github.com/davidmoltin/bizflow/internal/validators"
	"github.com/davidmoltin/bizflow/pkg/validator"
)

// ValidationResult is the outcome of validating a workflow file
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// LoadWorkflowFile reads a workflow definition from a .json, .yaml or .yml
// file
func LoadWorkflowFile(filename string) (*models.CreateWorkflowRequest, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return ParseWorkflow(data, filepath.Ext(filename))
}

// ParseWorkflow decodes a workflow definition. ext selects the format;
// anything but .json is read as YAML.
func ParseWorkflow(data []byte, ext string) (*models.CreateWorkflowRequest, error) {
	var req models.CreateWorkflowRequest

	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	}
	return &req, nil
}

// NewOfflineValidator builds a workflow validator that knows every action
// kind the server registers
func NewOfflineValidator() (*validators.WorkflowValidator, error) {
	reg := engine.NewRegistry()
	if err := actions.RegisterBuiltins(reg, actions.Options{}); err != nil {
		return nil, err
	}
	if err := engine.RegisterErrorHandlingActions(reg, engine.NewMemoryCircuitStore(), nil); err != nil {
		return nil, err
	}
	reg.Freeze()
	return validators.NewWorkflowValidator(reg, nil), nil
}

// ValidateWorkflowFile loads and validates a workflow file without a server
func ValidateWorkflowFile(filename string) (*ValidationResult, error) {
	req, err := LoadWorkflowFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return &ValidationResult{Valid: false, Errors: []string{err.Error()}}, nil
	}

	v, err := NewOfflineValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to build validator: %w", err)
	}
	return ValidateWorkflow(v, req), nil
}

// ValidateWorkflow checks the request fields and the graph as publish would
func ValidateWorkflow(v *validators.WorkflowValidator, req *models.CreateWorkflowRequest) *ValidationResult {
	result := &ValidationResult{Valid: true, Errors: []string{}}

	if err := validator.Validate(req); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	workflow := &models.Workflow{
		TenantID:                req.TenantID,
		Name:                    req.Name,
		Trigger:                 req.Trigger,
		Nodes:                   req.Nodes,
		ErrorHandler:            req.ErrorHandler,
		MaxConcurrentExecutions: req.MaxConcurrentExecutions,
	}
	if err := v.Validate(workflow); err != nil {
		var verr *validators.ValidationError
		if errors.As(err, &verr) {
			result.Errors = append(result.Errors, verr.Problems...)
		} else {
			result.Errors = append(result.Errors, err.Error())
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}
