package metadata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apiweaver/apiweaver/core"
)

// MemoryStore is an in-memory Store implementation. It backs tests and
// single-node deployments that reingest the catalog at startup.
type MemoryStore struct {
	mu sync.RWMutex

	projects   map[int]*Project
	endpoints  map[int]*Endpoint
	parameters map[int][]RequestParameter // endpointID → params
	fields     map[int][]ResponseField    // endpointID → fields
	links      map[int][]FieldLink        // projectID → links
	messages   map[int][]ResponseMessage  // endpointID → messages

	nextID int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:   make(map[int]*Project),
		endpoints:  make(map[int]*Endpoint),
		parameters: make(map[int][]RequestParameter),
		fields:     make(map[int][]ResponseField),
		links:      make(map[int][]FieldLink),
		messages:   make(map[int][]ResponseMessage),
		nextID:     1,
	}
}

func (s *MemoryStore) allocID() int {
	id := s.nextID
	s.nextID++
	return id
}

// CreateProject stores a project and assigns its ID.
func (s *MemoryStore) CreateProject(ctx context.Context, p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == 0 {
		p.ID = s.allocID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

// GetProject returns the project or core.ErrProjectNotFound.
func (s *MemoryStore) GetProject(ctx context.Context, id int) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %d: %w", id, core.ErrProjectNotFound)
	}
	cp := *p
	return &cp, nil
}

// DeleteProject removes a project and everything it owns.
func (s *MemoryStore) DeleteProject(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[id]; !ok {
		return fmt.Errorf("project %d: %w", id, core.ErrProjectNotFound)
	}
	delete(s.projects, id)
	for eid, e := range s.endpoints {
		if e.ProjectID == id {
			delete(s.endpoints, eid)
			delete(s.parameters, eid)
			delete(s.fields, eid)
			delete(s.messages, eid)
		}
	}
	delete(s.links, id)
	return nil
}

// CreateEndpoint stores an endpoint, enforcing (projectID, method, path)
// uniqueness. The method is normalized to upper-case.
func (s *MemoryStore) CreateEndpoint(ctx context.Context, e *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.Method = NormalizeMethod(e.Method)
	if !ValidMethods[e.Method] {
		return fmt.Errorf("endpoint method %q: %w", e.Method, core.ErrInvalidConfiguration)
	}
	if _, ok := s.projects[e.ProjectID]; !ok {
		return fmt.Errorf("project %d: %w", e.ProjectID, core.ErrProjectNotFound)
	}
	for _, existing := range s.endpoints {
		if existing.ProjectID == e.ProjectID && existing.Method == e.Method && existing.Path == e.Path {
			return fmt.Errorf("%s %s: %w", e.Method, e.Path, core.ErrDuplicateEndpoint)
		}
	}

	if e.ID == 0 {
		e.ID = s.allocID()
	}
	cp := copyEndpoint(e)
	s.endpoints[e.ID] = cp
	return nil
}

// ListEndpoints returns all endpoints of a project.
func (s *MemoryStore) ListEndpoints(ctx context.Context, projectID int) ([]Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Endpoint
	for _, e := range s.endpoints {
		if e.ProjectID == projectID {
			out = append(out, *copyEndpoint(e))
		}
	}
	return out, nil
}

// UpdateEndpointHints replaces the retrieval hints of an endpoint.
// Empty arguments leave the corresponding field untouched so repeated
// applications converge.
func (s *MemoryStore) UpdateEndpointHints(ctx context.Context, endpointID int, promptText string, keywords, intentPatterns []string, embedding []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.endpoints[endpointID]
	if !ok {
		return fmt.Errorf("endpoint %d: %w", endpointID, core.ErrEndpointNotFound)
	}
	if promptText != "" {
		e.PromptText = promptText
	}
	if len(keywords) > 0 {
		e.Keywords = append([]string(nil), keywords...)
	}
	if len(intentPatterns) > 0 {
		e.IntentPatterns = append([]string(nil), intentPatterns...)
	}
	if len(embedding) > 0 {
		e.Embedding = append([]float64(nil), embedding...)
	}
	return nil
}

// ListParameters returns the declared parameters of an endpoint.
func (s *MemoryStore) ListParameters(ctx context.Context, endpointID int) ([]RequestParameter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RequestParameter(nil), s.parameters[endpointID]...), nil
}

// UpsertParameter inserts or updates by (endpointID, name).
func (s *MemoryStore) UpsertParameter(ctx context.Context, endpointID int, p RequestParameter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.endpoints[endpointID]; !ok {
		return fmt.Errorf("endpoint %d: %w", endpointID, core.ErrEndpointNotFound)
	}

	params := s.parameters[endpointID]
	for i := range params {
		if params[i].Name == p.Name {
			params[i].In = p.In
			params[i].Type = p.Type
			params[i].Required = p.Required
			if p.Description != "" {
				params[i].Description = p.Description
			}
			return nil
		}
	}

	p.ID = s.allocID()
	p.EndpointID = endpointID
	s.parameters[endpointID] = append(params, p)
	return nil
}

// RenameParameter renames oldName to newName on an endpoint.
func (s *MemoryStore) RenameParameter(ctx context.Context, endpointID int, oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	params := s.parameters[endpointID]
	oldIdx := -1
	for i := range params {
		if params[i].Name == newName {
			return fmt.Errorf("parameter %q: %w", newName, core.ErrParameterConflict)
		}
		if params[i].Name == oldName {
			oldIdx = i
		}
	}
	if oldIdx == -1 {
		return fmt.Errorf("parameter %q: %w", oldName, core.ErrParameterNotFound)
	}
	params[oldIdx].Name = newName
	return nil
}

// CreateResponseField stores a response field.
func (s *MemoryStore) CreateResponseField(ctx context.Context, f *ResponseField) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.endpoints[f.EndpointID]; !ok {
		return fmt.Errorf("endpoint %d: %w", f.EndpointID, core.ErrEndpointNotFound)
	}
	if f.ID == 0 {
		f.ID = s.allocID()
	}
	s.fields[f.EndpointID] = append(s.fields[f.EndpointID], *f)
	return nil
}

// ListResponseFields returns the response fields of an endpoint.
func (s *MemoryStore) ListResponseFields(ctx context.Context, endpointID int) ([]ResponseField, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ResponseField(nil), s.fields[endpointID]...), nil
}

// CreateFieldLink stores a field link under the owning project.
func (s *MemoryStore) CreateFieldLink(ctx context.Context, l *FieldLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	to, ok := s.endpoints[l.ToEndpointID]
	if !ok {
		return fmt.Errorf("endpoint %d: %w", l.ToEndpointID, core.ErrEndpointNotFound)
	}
	if l.ID == 0 {
		l.ID = s.allocID()
	}
	s.links[to.ProjectID] = append(s.links[to.ProjectID], *l)
	return nil
}

// ListFieldLinks returns all field links of a project.
func (s *MemoryStore) ListFieldLinks(ctx context.Context, projectID int) ([]FieldLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]FieldLink(nil), s.links[projectID]...), nil
}

// UpsertResponseMessage inserts or updates by (endpointID, statusCode).
func (s *MemoryStore) UpsertResponseMessage(ctx context.Context, endpointID int, m ResponseMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.endpoints[endpointID]; !ok {
		return fmt.Errorf("endpoint %d: %w", endpointID, core.ErrEndpointNotFound)
	}

	msgs := s.messages[endpointID]
	for i := range msgs {
		if msgs[i].StatusCode == m.StatusCode {
			msgs[i].Message = m.Message
			msgs[i].Suggestion = m.Suggestion
			return nil
		}
	}
	m.ID = s.allocID()
	m.EndpointID = endpointID
	s.messages[endpointID] = append(msgs, m)
	return nil
}

// ListResponseMessages returns the response messages of an endpoint.
func (s *MemoryStore) ListResponseMessages(ctx context.Context, endpointID int) ([]ResponseMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ResponseMessage(nil), s.messages[endpointID]...), nil
}

func copyEndpoint(e *Endpoint) *Endpoint {
	cp := *e
	cp.Keywords = append([]string(nil), e.Keywords...)
	cp.IntentPatterns = append([]string(nil), e.IntentPatterns...)
	cp.Embedding = append([]float64(nil), e.Embedding...)
	return &cp
}
