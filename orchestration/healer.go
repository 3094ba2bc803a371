package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/apiweaver/apiweaver/core"
	"github.com/apiweaver/apiweaver/llm"
	"github.com/apiweaver/apiweaver/metadata"
	"github.com/apiweaver/apiweaver/telemetry"
)

// RetryDecision is the analyst's verdict on a failed run.
type RetryDecision struct {
	ShouldRetry    bool   `json:"shouldRetry"`
	CorrectedQuery string `json:"correctedQuery"`
	Analysis       string `json:"analysis"`
}

// MissingParameter proposes adding a parameter the catalog does not know.
type MissingParameter struct {
	EndpointPath  string `json:"endpointPath"`
	Method        string `json:"method"`
	ParameterName string `json:"parameterName"`
	ParameterType string `json:"parameterType"`
	IsRequired    bool   `json:"isRequired"`
	Location      string `json:"location"`
	Description   string `json:"description"`
}

// ParameterCorrection proposes renaming a parameter the catalog has wrong.
type ParameterCorrection struct {
	EndpointPath     string `json:"endpointPath"`
	Method           string `json:"method"`
	OldParameterName string `json:"oldParameterName"`
	NewParameterName string `json:"newParameterName"`
}

// ErrorMessageDelta proposes user-facing text for a status the catalog
// does not explain.
type ErrorMessageDelta struct {
	EndpointPath string `json:"endpointPath"`
	Method       string `json:"method"`
	StatusCode   int    `json:"statusCode"`
	Message      string `json:"message"`
	Suggestion   string `json:"suggestion"`
}

// MetadataDeltas is the set of catalog repairs derived from one failure.
type MetadataDeltas struct {
	MissingParameters    []MissingParameter    `json:"missingParameters"`
	ParameterCorrections []ParameterCorrection `json:"parameterCorrections"`
	ErrorMessages        []ErrorMessageDelta   `json:"errorMessages"`
}

// Empty reports whether the deltas propose no changes.
func (d *MetadataDeltas) Empty() bool {
	return d == nil ||
		(len(d.MissingParameters) == 0 && len(d.ParameterCorrections) == 0 && len(d.ErrorMessages) == 0)
}

const retryAnalystPrompt = `You analyze failed API execution attempts. Given the user's request and the
error from the failed step, decide whether rephrasing the request could
succeed on a retry.

Respond with ONLY a JSON object:
{"shouldRetry": true|false, "correctedQuery": "rephrased request or empty", "analysis": "one sentence"}

Only set shouldRetry to true when the failure looks recoverable (wrong
parameter phrasing, missing detail the user implied, ambiguous wording).
Authentication failures and server outages are not recoverable by rephrasing.`

const metadataAnalystPrompt = `You diagnose schema drift between an API catalog and the live API. Given a
failed API call, its error response, and the catalog's view of the endpoint,
propose catalog repairs.

Respond with ONLY a JSON object:
{
  "missingParameters": [{"endpointPath": "/path", "method": "GET", "parameterName": "", "parameterType": "string", "isRequired": true, "location": "query", "description": ""}],
  "parameterCorrections": [{"endpointPath": "/path", "method": "GET", "oldParameterName": "", "newParameterName": ""}],
  "errorMessages": [{"endpointPath": "/path", "method": "GET", "statusCode": 400, "message": "", "suggestion": ""}]
}

Use empty arrays for categories with nothing to propose. Only propose
repairs the error response actually supports.`

// ErrorAnalyzer turns step failures into retry decisions and catalog
// repairs. Analysis failures are never fatal; they just mean no retry and
// no repairs.
type ErrorAnalyzer struct {
	gateway llm.Gateway
	repo    *metadata.Repository
	logger  core.Logger
}

// NewErrorAnalyzer creates an error analyzer.
func NewErrorAnalyzer(gateway llm.Gateway, repo *metadata.Repository) *ErrorAnalyzer {
	return &ErrorAnalyzer{gateway: gateway, repo: repo}
}

// SetLogger sets the logger provider.
func (a *ErrorAnalyzer) SetLogger(logger core.Logger) {
	if logger == nil {
		a.logger = &core.NoOpLogger{}
	} else {
		a.logger = logger
	}
}

// DecideRetry asks whether the failed run is worth retrying with a
// corrected query. Returns a no-retry decision on any analysis error.
func (a *ErrorAnalyzer) DecideRetry(ctx context.Context, query string, failure StepResult) *RetryDecision {
	var b strings.Builder
	fmt.Fprintf(&b, "User request: %q\n", query)
	if failure.Endpoint != "" {
		fmt.Fprintf(&b, "Failed step: %s\n", failure.Endpoint)
	}
	if failure.StatusCode != 0 {
		fmt.Fprintf(&b, "HTTP status: %d\n", failure.StatusCode)
	}
	fmt.Fprintf(&b, "Error: %s\n", failure.Error)

	var decision RetryDecision
	err := a.gateway.CompleteJSON(ctx, llm.Prompt{
		System:      retryAnalystPrompt,
		User:        b.String(),
		Temperature: 0,
	}, &decision)
	if err != nil {
		if a.logger != nil {
			a.logger.Warn("Retry analysis unavailable", map[string]interface{}{
				"operation": "retry_analysis",
				"error":     err.Error(),
			})
		}
		return &RetryDecision{ShouldRetry: false}
	}

	if decision.ShouldRetry && strings.TrimSpace(decision.CorrectedQuery) == "" {
		// A retry with the identical query would fail identically.
		decision.ShouldRetry = false
	}
	return &decision
}

// ProposeDeltas asks for catalog repairs explaining the failure. Returns
// empty deltas on any analysis error.
func (a *ErrorAnalyzer) ProposeDeltas(ctx context.Context, projectID int, failure StepResult) *MetadataDeltas {
	method, path, err := SplitEndpointLabel(failure.Endpoint)
	if err != nil {
		return &MetadataDeltas{}
	}

	var catalogView string
	if detail, err := a.repo.FindEndpoint(ctx, projectID, method, path); err == nil {
		if data, err := json.Marshal(detail.Parameters); err == nil {
			catalogView = string(data)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Failed call: %s\n", failure.Endpoint)
	if failure.StatusCode != 0 {
		fmt.Fprintf(&b, "HTTP status: %d\n", failure.StatusCode)
	}
	fmt.Fprintf(&b, "Error: %s\n", failure.Error)
	if response, err := json.Marshal(failure.Response); err == nil && failure.Response != nil {
		fmt.Fprintf(&b, "Error response body: %s\n", truncateBody(response))
	}
	if catalogView != "" {
		fmt.Fprintf(&b, "Catalog parameters for this endpoint: %s\n", catalogView)
	}

	var deltas MetadataDeltas
	err = a.gateway.CompleteJSON(ctx, llm.Prompt{
		System:      metadataAnalystPrompt,
		User:        b.String(),
		Temperature: 0,
	}, &deltas)
	if err != nil {
		if a.logger != nil {
			a.logger.Warn("Metadata analysis unavailable", map[string]interface{}{
				"operation": "metadata_analysis",
				"error":     err.Error(),
			})
		}
		return &MetadataDeltas{}
	}
	return &deltas
}

// ApplyDeltas writes the proposed repairs to the catalog. Application is
// idempotent: re-applying the same deltas is a no-op. Individual failures
// are logged and skipped so one bad proposal cannot block the rest.
func (a *ErrorAnalyzer) ApplyDeltas(ctx context.Context, projectID int, deltas *MetadataDeltas) {
	if deltas.Empty() {
		return
	}
	applied := 0

	for _, mp := range deltas.MissingParameters {
		location := mp.Location
		if location == "" {
			location = metadata.InQuery
		}
		err := a.repo.UpsertParameter(ctx, projectID, mp.Method, mp.EndpointPath, metadata.RequestParameter{
			Name:        mp.ParameterName,
			In:          location,
			Type:        mp.ParameterType,
			Required:    mp.IsRequired,
			Description: mp.Description,
		})
		if err != nil {
			a.logSkippedDelta("missing_parameter", mp.EndpointPath, err)
			continue
		}
		applied++
	}

	for _, pc := range deltas.ParameterCorrections {
		err := a.repo.RenameParameter(ctx, projectID, pc.Method, pc.EndpointPath, pc.OldParameterName, pc.NewParameterName)
		if err != nil {
			// The old name being gone usually means this rename already ran.
			if !errors.Is(err, core.ErrParameterNotFound) {
				a.logSkippedDelta("parameter_correction", pc.EndpointPath, err)
			}
			continue
		}
		applied++
	}

	for _, em := range deltas.ErrorMessages {
		detail, err := a.repo.FindEndpoint(ctx, projectID, em.Method, em.EndpointPath)
		if err != nil {
			a.logSkippedDelta("error_message", em.EndpointPath, err)
			continue
		}
		if detail.MessageFor(em.StatusCode) != nil {
			continue
		}
		err = a.repo.UpsertResponseMessage(ctx, projectID, em.Method, em.EndpointPath, metadata.ResponseMessage{
			StatusCode: em.StatusCode,
			Message:    em.Message,
			Suggestion: em.Suggestion,
		})
		if err != nil {
			a.logSkippedDelta("error_message", em.EndpointPath, err)
			continue
		}
		applied++
	}

	telemetry.Counter("healer.deltas_applied")
	if a.logger != nil {
		a.logger.Info("Catalog repairs applied", map[string]interface{}{
			"operation":  "schema_healing",
			"project_id": projectID,
			"applied":    applied,
		})
	}
}

func (a *ErrorAnalyzer) logSkippedDelta(kind, path string, err error) {
	if a.logger != nil {
		a.logger.Warn("Skipping catalog repair", map[string]interface{}{
			"operation": "schema_healing",
			"kind":      kind,
			"endpoint":  path,
			"error":     err.Error(),
		})
	}
}
