// Package metadata holds the persisted API catalog: projects, endpoints,
// request parameters, response fields, field links and response messages.
// Entities are normalized with integer keys; consumers read denormalized
// snapshots through the Repository.
package metadata

import (
	"strings"
	"time"
)

// Project owns a set of endpoints ingested from one API specification.
// A project is destroyed and recreated when its specification is replaced.
type Project struct {
	ID          int       `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Version     string    `db:"version" json:"version"`
	BaseURL     string    `db:"base_url" json:"baseUrl"`
	Domain      string    `db:"domain" json:"domain"`
	Description string    `db:"description" json:"description"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// Endpoint is a single (METHOD, PATH) of a project's API.
// (ProjectID, Method, Path) is unique; Method is stored upper-case.
// PromptText, Keywords, IntentPatterns and Embedding are produced by external
// ingestion and may be updated idempotently by the schema healer.
type Endpoint struct {
	ID             int       `db:"id" json:"id"`
	ProjectID      int       `db:"project_id" json:"projectId"`
	Method         string    `db:"method" json:"method"`
	Path           string    `db:"path" json:"path"`
	Summary        string    `db:"summary" json:"summary"`
	PromptText     string    `db:"prompt_text" json:"promptText"`
	Keywords       []string  `json:"keywords"`
	IntentPatterns []string  `json:"intentPatterns"`
	Embedding      []float64 `json:"embedding,omitempty"`
}

// Label returns the canonical "METHOD /path" form used in plans and prompts.
func (e *Endpoint) Label() string {
	return e.Method + " " + e.Path
}

// Parameter locations.
const (
	InPath   = "path"
	InQuery  = "query"
	InHeader = "header"
	InBody   = "body"
)

// ValidMethods are the HTTP methods an endpoint may declare.
var ValidMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod upper-cases an HTTP method for catalog lookups.
// Lookups are case-insensitive on method, case-sensitive on path.
func NormalizeMethod(method string) string {
	return strings.ToUpper(strings.TrimSpace(method))
}

// RequestParameter describes one input of an endpoint.
// (EndpointID, Name) is unique. The schema healer may create, rename or
// re-type parameters when execution errors reveal drift.
type RequestParameter struct {
	ID          int    `db:"id" json:"id"`
	EndpointID  int    `db:"endpoint_id" json:"endpointId"`
	Name        string `db:"name" json:"name"`
	In          string `db:"location" json:"in"`
	Type        string `db:"type" json:"type"`
	Required    bool   `db:"required" json:"required"`
	Description string `db:"description" json:"description"`
}

// ResponseField describes one field of an endpoint's response.
// JSONPath uses `$` root, `.field`, `[i]` and `[*]`.
type ResponseField struct {
	ID          int    `db:"id" json:"id"`
	EndpointID  int    `db:"endpoint_id" json:"endpointId"`
	JSONPath    string `db:"json_path" json:"jsonPath"`
	Type        string `db:"type" json:"type"`
	Description string `db:"description" json:"description"`
}

// FieldLink declares that the value at FromField's JSONPath of one endpoint
// may feed the named parameter of another endpoint. The planner reads these
// as hints for cross-step references.
type FieldLink struct {
	ID           int    `db:"id" json:"id"`
	FromFieldID  int    `db:"from_field_id" json:"fromFieldId"`
	ToEndpointID int    `db:"to_endpoint_id" json:"toEndpointId"`
	ToParamName  string `db:"to_param_name" json:"toParamName"`
	RelationType string `db:"relation_type" json:"relationType"`
	Description  string `db:"description" json:"description"`
}

// ResponseMessage maps an HTTP status of an endpoint to user-visible text.
type ResponseMessage struct {
	ID         int    `db:"id" json:"id"`
	EndpointID int    `db:"endpoint_id" json:"endpointId"`
	StatusCode int    `db:"status_code" json:"statusCode"`
	Message    string `db:"message" json:"message"`
	Suggestion string `db:"suggestion" json:"suggestion"`
}

// EndpointDetail is the denormalized, read-only snapshot the pipeline works
// with: an endpoint plus its parameters, response fields and messages.
type EndpointDetail struct {
	Endpoint
	Parameters     []RequestParameter
	ResponseFields []ResponseField
	Messages       []ResponseMessage
}

// Parameter returns the declared parameter with the given name, or nil.
func (d *EndpointDetail) Parameter(name string) *RequestParameter {
	for i := range d.Parameters {
		if d.Parameters[i].Name == name {
			return &d.Parameters[i]
		}
	}
	return nil
}

// RequiredParameters returns the names of all required parameters.
func (d *EndpointDetail) RequiredParameters() []string {
	var names []string
	for _, p := range d.Parameters {
		if p.Required {
			names = append(names, p.Name)
		}
	}
	return names
}

// PathParameters returns the declared path parameters.
func (d *EndpointDetail) PathParameters() []RequestParameter {
	var params []RequestParameter
	for _, p := range d.Parameters {
		if p.In == InPath {
			params = append(params, p)
		}
	}
	return params
}

// MessageFor returns the endpoint's response message for a status, or nil.
func (d *EndpointDetail) MessageFor(status int) *ResponseMessage {
	for i := range d.Messages {
		if d.Messages[i].StatusCode == status {
			return &d.Messages[i]
		}
	}
	return nil
}

// LinkHint is a denormalized field link rendered for planner prompts:
// value at FromPath of FromEndpoint may feed ToParam of ToEndpoint.
type LinkHint struct {
	FromEndpoint string
	FromPath     string
	ToEndpoint   string
	ToParam      string
	Relation     string
}
