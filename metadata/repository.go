package metadata

import (
	"context"
	"fmt"
	"sync"

	"github.com/apiweaver/apiweaver/core"
)

// Repository is the typed read/write surface the pipeline uses. It wraps a
// Store and keeps a per-project denormalized endpoint snapshot in memory.
// The snapshot is invalidated by any write to the project and by explicit
// Invalidate calls; reads after invalidation rebuild it lazily.
type Repository struct {
	store  Store
	logger core.Logger

	mu    sync.RWMutex
	cache map[int][]EndpointDetail
}

// NewRepository creates a repository over the given store.
func NewRepository(store Store) *Repository {
	return &Repository{
		store: store,
		cache: make(map[int][]EndpointDetail),
	}
}

// SetLogger sets the logger provider.
func (r *Repository) SetLogger(logger core.Logger) {
	if logger == nil {
		r.logger = &core.NoOpLogger{}
	} else {
		r.logger = logger
	}
}

// Store exposes the underlying store for admin and ingestion writes.
func (r *Repository) Store() Store {
	return r.store
}

// GetProject returns the project record.
func (r *Repository) GetProject(ctx context.Context, id int) (*Project, error) {
	return r.store.GetProject(ctx, id)
}

// ListEndpointDetails returns the denormalized endpoint snapshot for a
// project, building and caching it on first use.
func (r *Repository) ListEndpointDetails(ctx context.Context, projectID int) ([]EndpointDetail, error) {
	r.mu.RLock()
	cached, ok := r.cache[projectID]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	details, err := r.buildSnapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[projectID] = details
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Debug("Endpoint snapshot rebuilt", map[string]interface{}{
			"operation":  "snapshot_rebuild",
			"project_id": projectID,
			"endpoints":  len(details),
		})
	}
	return details, nil
}

// FindEndpoint looks up an endpoint by exact (method, path); method is
// matched case-insensitively, path case-sensitively.
func (r *Repository) FindEndpoint(ctx context.Context, projectID int, method, path string) (*EndpointDetail, error) {
	details, err := r.ListEndpointDetails(ctx, projectID)
	if err != nil {
		return nil, err
	}
	method = NormalizeMethod(method)
	for i := range details {
		if details[i].Method == method && details[i].Path == path {
			return &details[i], nil
		}
	}
	return nil, fmt.Errorf("%s %s: %w", method, path, core.ErrEndpointNotFound)
}

// LinkHints returns the project's field links denormalized for prompts.
func (r *Repository) LinkHints(ctx context.Context, projectID int) ([]LinkHint, error) {
	details, err := r.ListEndpointDetails(ctx, projectID)
	if err != nil {
		return nil, err
	}

	labelByEndpoint := make(map[int]string, len(details))
	fieldOwner := make(map[int]struct {
		label string
		path  string
	})
	for i := range details {
		labelByEndpoint[details[i].ID] = details[i].Label()
		for _, f := range details[i].ResponseFields {
			fieldOwner[f.ID] = struct {
				label string
				path  string
			}{details[i].Label(), f.JSONPath}
		}
	}

	links, err := r.store.ListFieldLinks(ctx, projectID)
	if err != nil {
		return nil, err
	}

	var hints []LinkHint
	for _, l := range links {
		from, ok := fieldOwner[l.FromFieldID]
		if !ok {
			continue
		}
		to, ok := labelByEndpoint[l.ToEndpointID]
		if !ok {
			continue
		}
		hints = append(hints, LinkHint{
			FromEndpoint: from.label,
			FromPath:     from.path,
			ToEndpoint:   to,
			ToParam:      l.ToParamName,
			Relation:     l.RelationType,
		})
	}
	return hints, nil
}

// UpsertParameter inserts or updates a parameter on the named endpoint and
// invalidates the project snapshot.
func (r *Repository) UpsertParameter(ctx context.Context, projectID int, method, path string, p RequestParameter) error {
	detail, err := r.FindEndpoint(ctx, projectID, method, path)
	if err != nil {
		return err
	}
	if err := r.store.UpsertParameter(ctx, detail.ID, p); err != nil {
		return err
	}
	r.Invalidate(projectID)
	return nil
}

// RenameParameter renames a parameter on the named endpoint and invalidates
// the project snapshot.
func (r *Repository) RenameParameter(ctx context.Context, projectID int, method, path, oldName, newName string) error {
	detail, err := r.FindEndpoint(ctx, projectID, method, path)
	if err != nil {
		return err
	}
	if err := r.store.RenameParameter(ctx, detail.ID, oldName, newName); err != nil {
		return err
	}
	r.Invalidate(projectID)
	return nil
}

// UpsertResponseMessage writes a status message for the named endpoint and
// invalidates the project snapshot.
func (r *Repository) UpsertResponseMessage(ctx context.Context, projectID int, method, path string, m ResponseMessage) error {
	detail, err := r.FindEndpoint(ctx, projectID, method, path)
	if err != nil {
		return err
	}
	if err := r.store.UpsertResponseMessage(ctx, detail.ID, m); err != nil {
		return err
	}
	r.Invalidate(projectID)
	return nil
}

// ResponseMessageFor returns the message for an endpoint and status,
// preferring the endpoint's own entry, then any entry for the status
// elsewhere in the project.
func (r *Repository) ResponseMessageFor(ctx context.Context, projectID, endpointID, status int) *ResponseMessage {
	details, err := r.ListEndpointDetails(ctx, projectID)
	if err != nil {
		return nil
	}
	var projectWide *ResponseMessage
	for i := range details {
		if m := details[i].MessageFor(status); m != nil {
			if details[i].ID == endpointID {
				return m
			}
			if projectWide == nil {
				projectWide = m
			}
		}
	}
	return projectWide
}

// Invalidate drops the cached snapshot for a project.
func (r *Repository) Invalidate(projectID int) {
	r.mu.Lock()
	delete(r.cache, projectID)
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Debug("Endpoint snapshot invalidated", map[string]interface{}{
			"operation":  "snapshot_invalidate",
			"project_id": projectID,
		})
	}
}

func (r *Repository) buildSnapshot(ctx context.Context, projectID int) ([]EndpointDetail, error) {
	if _, err := r.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	endpoints, err := r.store.ListEndpoints(ctx, projectID)
	if err != nil {
		return nil, err
	}

	details := make([]EndpointDetail, 0, len(endpoints))
	for _, e := range endpoints {
		params, err := r.store.ListParameters(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		fields, err := r.store.ListResponseFields(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		messages, err := r.store.ListResponseMessages(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		details = append(details, EndpointDetail{
			Endpoint:       e,
			Parameters:     params,
			ResponseFields: fields,
			Messages:       messages,
		})
	}
	return details, nil
}
