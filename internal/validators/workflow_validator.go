package validators

import (
	"fmt"
	"strings"

	"github.com/davidmoltin/bizflow/internal/engine"
	"github.com/davidmoltin/bizflow/internal/models"
	"github.com/davidmoltin/bizflow/pkg/validator"
)

// ValidationError lists every problem found in a workflow definition
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow validation failed: %s", strings.Join(e.Problems, "; "))
}

// Unwrap lets callers match validation failures with engine.ErrInvalidConfig
func (e *ValidationError) Unwrap() error {
	return engine.ErrInvalidConfig
}

// WorkflowValidator validates workflow definitions before they are
// published
type WorkflowValidator struct {
	registry    *engine.Registry
	expressions *engine.ExpressionEvaluator
}

// NewWorkflowValidator creates a new workflow validator. A nil registry
// skips action kind checks.
func NewWorkflowValidator(registry *engine.Registry, expressions *engine.ExpressionEvaluator) *WorkflowValidator {
	if expressions == nil {
		expressions = engine.NewExpressionEvaluator(engine.NewResolver())
	}
	return &WorkflowValidator{
		registry:    registry,
		expressions: expressions,
	}
}

// Validate validates a complete workflow definition
func (v *WorkflowValidator) Validate(workflow *models.Workflow) error {
	var problems []string

	if workflow.Name == "" {
		problems = append(problems, "workflow name is required")
	}
	if workflow.TenantID == "" {
		problems = append(problems, "tenant_id is required")
	}

	problems = append(problems, v.validateTrigger(&workflow.Trigger)...)

	if len(workflow.Nodes) == 0 {
		problems = append(problems, "workflow must have at least one node")
	} else {
		problems = append(problems, v.validateNodes(workflow)...)
	}

	problems = append(problems, v.validateErrorHandler(&workflow.ErrorHandler)...)

	if workflow.MaxConcurrentExecutions < 0 {
		problems = append(problems, "max_concurrent_executions must not be negative")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (v *WorkflowValidator) validateTrigger(trigger *models.TriggerDefinition) []string {
	switch trigger.Type {
	case "":
		return []string{"trigger type is required"}
	case models.TriggerTypeManual:
		return nil
	case models.TriggerTypeEvent:
		if trigger.Event == "" {
			return []string{"event trigger requires event name"}
		}
		if trigger.Filter != nil {
			return validateRuleGroup(trigger.Filter, "trigger filter")
		}
		return nil
	case models.TriggerTypeSchedule:
		if trigger.Cron == "" {
			return []string{"schedule trigger requires cron expression"}
		}
		if err := validator.ValidateVar(trigger.Cron, "cron"); err != nil {
			return []string{fmt.Sprintf("invalid cron expression %q", trigger.Cron)}
		}
		return nil
	default:
		return []string{fmt.Sprintf("invalid trigger type '%s', must be one of: event, schedule, manual", trigger.Type)}
	}
}

func validateRuleGroup(group *models.RuleGroup, path string) []string {
	var problems []string
	switch group.Type {
	case models.RuleGroupAll, models.RuleGroupAny, models.RuleGroupNone:
	default:
		problems = append(problems, fmt.Sprintf("%s has invalid group type '%s'", path, group.Type))
	}
	for i, rule := range group.Rules {
		if rule.Group != nil {
			problems = append(problems, validateRuleGroup(rule.Group, fmt.Sprintf("%s rule %d", path, i))...)
			continue
		}
		if rule.Field == "" || rule.Operator == "" {
			problems = append(problems, fmt.Sprintf("%s rule %d requires field and operator", path, i))
		}
	}
	return problems
}

// validateNodes checks node ids, per-type configuration, references,
// reachability from the start node and the absence of cycles
func (v *WorkflowValidator) validateNodes(workflow *models.Workflow) []string {
	var problems []string

	ids := make(map[string]bool, len(workflow.Nodes))
	triggers := 0
	for _, node := range workflow.Nodes {
		if node.ID == "" {
			problems = append(problems, "all nodes must have an ID")
			continue
		}
		if ids[node.ID] {
			problems = append(problems, fmt.Sprintf("duplicate node ID: %s", node.ID))
		}
		ids[node.ID] = true
		if node.Type == models.NodeTypeTrigger {
			triggers++
		}
	}
	if triggers > 1 {
		problems = append(problems, fmt.Sprintf("workflow has %d trigger nodes, at most one is allowed", triggers))
	}

	for i := range workflow.Nodes {
		node := &workflow.Nodes[i]
		if node.ID == "" {
			continue
		}
		problems = append(problems, v.validateNode(node)...)
		for _, target := range successors(node) {
			if !ids[target] {
				problems = append(problems, fmt.Sprintf("node %s references non-existent node: %s", node.ID, target))
			}
		}
	}

	// graph checks are meaningless with dangling references
	if len(problems) > 0 {
		return problems
	}

	start := workflow.StartNodeID()
	if start == "" {
		return []string{"workflow has no start node"}
	}

	reachable := reachableFrom(workflow, start)
	for _, node := range workflow.Nodes {
		if node.Type == models.NodeTypeTrigger || reachable[node.ID] {
			continue
		}
		problems = append(problems, fmt.Sprintf("node %s is unreachable", node.ID))
	}

	if cycle := findCycle(workflow); cycle != "" {
		problems = append(problems, fmt.Sprintf("circular dependency detected at node %s", cycle))
	}
	return problems
}

func (v *WorkflowValidator) validateNode(node *models.WorkflowNode) []string {
	var problems []string

	switch node.Type {
	case models.NodeTypeTrigger, models.NodeTypeEnd:

	case models.NodeTypeCondition:
		var cfg engine.ConditionNodeConfig
		if err := engine.DecodeConfig(node.Config, &cfg); err != nil {
			return []string{fmt.Sprintf("node %s: %v", node.ID, err)}
		}
		if len(cfg.Conditions) == 0 && cfg.Default == "" {
			problems = append(problems, fmt.Sprintf("node %s (condition) must have conditions or a default", node.ID))
		}
		for i, branch := range cfg.Conditions {
			switch {
			case branch.Condition != nil:
			case branch.Expression != "":
				if err := v.expressions.Compile(branch.Expression); err != nil {
					problems = append(problems, fmt.Sprintf("node %s condition %d: %v", node.ID, i, err))
				}
			default:
				problems = append(problems, fmt.Sprintf("node %s condition %d needs an expression or condition", node.ID, i))
			}
		}

	case models.NodeTypeParallel:
		var cfg engine.ParallelNodeConfig
		if err := engine.DecodeConfig(node.Config, &cfg); err != nil {
			return []string{fmt.Sprintf("node %s: %v", node.ID, err)}
		}
		if len(node.Branches) == 0 {
			problems = append(problems, fmt.Sprintf("node %s (parallel) must have at least one branch", node.ID))
		}
		seen := make(map[string]bool, len(node.Branches))
		for i, branch := range node.Branches {
			if branch.ID == "" || branch.Start == "" {
				problems = append(problems, fmt.Sprintf("node %s branch %d requires id and start", node.ID, i))
				continue
			}
			if seen[branch.ID] {
				problems = append(problems, fmt.Sprintf("node %s has duplicate branch: %s", node.ID, branch.ID))
			}
			seen[branch.ID] = true
		}

	case models.NodeTypeDelay:
		if s, ok := node.Config["duration"].(string); ok && strings.Contains(s, "{{") {
			// resolved at run time
			return nil
		}
		var cfg engine.DelayNodeConfig
		if err := engine.DecodeConfig(node.Config, &cfg); err != nil {
			return []string{fmt.Sprintf("node %s: %v", node.ID, err)}
		}
		if cfg.Duration <= 0 {
			problems = append(problems, fmt.Sprintf("node %s (delay) requires a positive duration", node.ID))
		}

	default:
		// action nodes, and unknown types which run as actions
		problems = append(problems, v.validateAction(node.ID, node.Config)...)
	}

	return problems
}

func (v *WorkflowValidator) validateAction(nodeID string, config map[string]interface{}) []string {
	kind := engine.ActionKind(config)
	if kind == "" {
		return []string{fmt.Sprintf("node %s (action) must name an action_type", nodeID)}
	}
	if v.registry == nil {
		return nil
	}
	if err := v.registry.ValidateConfig(kind, config); err != nil {
		return []string{fmt.Sprintf("node %s: %v", nodeID, err)}
	}
	return nil
}

func (v *WorkflowValidator) validateErrorHandler(policy *models.ErrorHandlerPolicy) []string {
	var problems []string
	if policy.RetryCount < 0 {
		problems = append(problems, "error_handler.retry_count must not be negative")
	}
	if policy.RetryDelaySeconds < 0 {
		problems = append(problems, "error_handler.retry_delay_seconds must not be negative")
	}
	if policy.OnFailure != nil {
		if policy.OnFailure.Action == "" {
			problems = append(problems, "error_handler.on_failure requires an action")
		} else if v.registry != nil {
			if err := v.registry.ValidateConfig(policy.OnFailure.Action, policy.OnFailure.Config); err != nil {
				problems = append(problems, fmt.Sprintf("error_handler.on_failure: %v", err))
			}
		}
	}
	return problems
}

// successors returns every node id a node can hand control to
func successors(node *models.WorkflowNode) []string {
	var out []string
	if node.Next != "" {
		out = append(out, node.Next)
	}

	switch node.Type {
	case models.NodeTypeCondition:
		var cfg engine.ConditionNodeConfig
		if engine.DecodeConfig(node.Config, &cfg) == nil {
			for _, branch := range cfg.Conditions {
				if branch.Next != "" {
					out = append(out, branch.Next)
				}
			}
			if cfg.Default != "" {
				out = append(out, cfg.Default)
			}
		}
	case models.NodeTypeParallel:
		for _, branch := range node.Branches {
			if branch.Start != "" {
				out = append(out, branch.Start)
			}
		}
	}
	return out
}

func reachableFrom(workflow *models.Workflow, start string) map[string]bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		node, ok := workflow.NodeByID(id)
		if !ok {
			continue
		}
		for _, next := range successors(node) {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// findCycle returns the id of a node on a cycle, or ""
func findCycle(workflow *models.Workflow) string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var visit func(id string) string
	visit = func(id string) string {
		visited[id] = true
		onStack[id] = true
		defer func() { onStack[id] = false }()

		node, ok := workflow.NodeByID(id)
		if !ok {
			return ""
		}
		for _, next := range successors(node) {
			if onStack[next] {
				return next
			}
			if !visited[next] {
				if found := visit(next); found != "" {
					return found
				}
			}
		}
		return ""
	}

	for _, node := range workflow.Nodes {
		if !visited[node.ID] {
			if found := visit(node.ID); found != "" {
				return found
			}
		}
	}
	return ""
}
