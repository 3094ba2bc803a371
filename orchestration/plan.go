package orchestration

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/apiweaver/apiweaver/core"
	"github.com/apiweaver/apiweaver/metadata"
)

// DecodePlan parses the LLM's plan JSON. The shape is the published LLM
// contract: {"steps": [{"endpoint": "METHOD /path", "params": {...}}]}.
func DecodePlan(data []byte) (*ExecutionPlan, error) {
	var plan ExecutionPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrPlanInvalid, err)
	}
	for i := range plan.Steps {
		if plan.Steps[i].Params == nil {
			plan.Steps[i].Params = map[string]interface{}{}
		}
	}
	return &plan, nil
}

// SplitEndpointLabel splits "METHOD /path" into its parts.
func SplitEndpointLabel(label string) (method, path string, err error) {
	parts := strings.SplitN(strings.TrimSpace(label), " ", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: malformed endpoint label %q", core.ErrPlanInvalid, label)
	}
	return metadata.NormalizeMethod(parts[0]), strings.TrimSpace(parts[1]), nil
}

// ValidatePlan checks a plan against the project catalog:
//
//   - the plan has at least one step
//   - every step endpoint exists in the catalog
//   - every required parameter of that endpoint is present in params
//   - every step reference points at an earlier step
//
// Validation is read-only and idempotent; a valid plan re-validates
// identically after a JSON round trip.
func ValidatePlan(plan *ExecutionPlan, catalog []metadata.EndpointDetail) error {
	if plan == nil || len(plan.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", core.ErrPlanInvalid)
	}

	byLabel := make(map[string]*metadata.EndpointDetail, len(catalog))
	for i := range catalog {
		byLabel[catalog[i].Label()] = &catalog[i]
	}

	for i, step := range plan.Steps {
		method, path, err := SplitEndpointLabel(step.Endpoint)
		if err != nil {
			return err
		}
		detail, ok := byLabel[method+" "+path]
		if !ok {
			return fmt.Errorf("%w: step %d references unknown endpoint %q", core.ErrPlanInvalid, i, step.Endpoint)
		}

		for _, required := range detail.RequiredParameters() {
			if _, present := step.Params[required]; !present {
				return fmt.Errorf("%w: step %d (%s) missing required parameter %q",
					core.ErrPlanInvalid, i, step.Endpoint, required)
			}
		}

		for name, value := range step.Params {
			if !IsReference(value) {
				continue
			}
			ref, isStepRef := ParseStepReference(value.(string))
			if !isStepRef {
				continue
			}
			if ref >= i {
				return fmt.Errorf("%w: step %d parameter %q references step %d (forward reference)",
					core.ErrPlanInvalid, i, name, ref)
			}
		}
	}
	return nil
}
