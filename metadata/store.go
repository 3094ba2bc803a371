package metadata

import (
	"context"
)

// Store is the raw persistence interface for catalog entities. Writes are
// transactional per call. Implementations must be safe for concurrent use;
// row-level writes are linearizable.
//
// The Repository wraps a Store with the denormalized per-project cache the
// pipeline reads from.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id int) (*Project, error)
	DeleteProject(ctx context.Context, id int) error

	// Endpoints
	CreateEndpoint(ctx context.Context, e *Endpoint) error
	ListEndpoints(ctx context.Context, projectID int) ([]Endpoint, error)
	UpdateEndpointHints(ctx context.Context, endpointID int, promptText string, keywords, intentPatterns []string, embedding []float64) error

	// Request parameters
	ListParameters(ctx context.Context, endpointID int) ([]RequestParameter, error)
	// UpsertParameter inserts the parameter, or updates location, type and
	// required on the existing (endpointID, name) row. Idempotent.
	UpsertParameter(ctx context.Context, endpointID int, p RequestParameter) error
	// RenameParameter renames oldName to newName. Returns
	// core.ErrParameterNotFound if oldName does not exist and
	// core.ErrParameterConflict if newName already does.
	RenameParameter(ctx context.Context, endpointID int, oldName, newName string) error

	// Response fields and links
	CreateResponseField(ctx context.Context, f *ResponseField) error
	ListResponseFields(ctx context.Context, endpointID int) ([]ResponseField, error)
	CreateFieldLink(ctx context.Context, l *FieldLink) error
	ListFieldLinks(ctx context.Context, projectID int) ([]FieldLink, error)

	// Response messages
	// UpsertResponseMessage inserts, or replaces the message text for the
	// existing (endpointID, statusCode) row. Idempotent.
	UpsertResponseMessage(ctx context.Context, endpointID int, m ResponseMessage) error
	ListResponseMessages(ctx context.Context, endpointID int) ([]ResponseMessage, error)
}
