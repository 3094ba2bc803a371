package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/apiweaver/apiweaver/core"
)

// Schema bootstraps the catalog tables. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
    id          SERIAL PRIMARY KEY,
    name        TEXT NOT NULL,
    version     TEXT NOT NULL DEFAULT '',
    base_url    TEXT NOT NULL DEFAULT '',
    domain      TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS endpoints (
    id              SERIAL PRIMARY KEY,
    project_id      INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    method          TEXT NOT NULL,
    path            TEXT NOT NULL,
    summary         TEXT NOT NULL DEFAULT '',
    prompt_text     TEXT NOT NULL DEFAULT '',
    keywords        TEXT[] NOT NULL DEFAULT '{}',
    intent_patterns TEXT[] NOT NULL DEFAULT '{}',
    embedding       DOUBLE PRECISION[] NOT NULL DEFAULT '{}',
    UNIQUE (project_id, method, path)
);

CREATE TABLE IF NOT EXISTS request_parameters (
    id          SERIAL PRIMARY KEY,
    endpoint_id INTEGER NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
    name        TEXT NOT NULL,
    location    TEXT NOT NULL,
    type        TEXT NOT NULL DEFAULT 'string',
    required    BOOLEAN NOT NULL DEFAULT FALSE,
    description TEXT NOT NULL DEFAULT '',
    UNIQUE (endpoint_id, name)
);

CREATE TABLE IF NOT EXISTS response_fields (
    id          SERIAL PRIMARY KEY,
    endpoint_id INTEGER NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
    json_path   TEXT NOT NULL,
    type        TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS field_links (
    id             SERIAL PRIMARY KEY,
    from_field_id  INTEGER NOT NULL REFERENCES response_fields(id) ON DELETE CASCADE,
    to_endpoint_id INTEGER NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
    to_param_name  TEXT NOT NULL,
    relation_type  TEXT NOT NULL DEFAULT '',
    description    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS response_messages (
    id          SERIAL PRIMARY KEY,
    endpoint_id INTEGER NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
    status_code INTEGER NOT NULL,
    message     TEXT NOT NULL,
    suggestion  TEXT NOT NULL DEFAULT '',
    UNIQUE (endpoint_id, status_code)
);
`

// SQLStore is the Postgres-backed Store. Each write runs in its own
// transaction so concurrent healer deltas stay row-linearizable.
type SQLStore struct {
	db     *sqlx.DB
	logger core.Logger
}

// NewSQLStore opens a Postgres connection and ensures the schema exists.
func NewSQLStore(dsn string, logger core.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect metadata store: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("bootstrap metadata schema: %w", err)
	}
	return &SQLStore{db: db, logger: logger}, nil
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) CreateProject(ctx context.Context, p *Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	return s.db.QueryRowxContext(ctx,
		`INSERT INTO projects (name, version, base_url, domain, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		p.Name, p.Version, p.BaseURL, p.Domain, p.Description, p.CreatedAt,
	).Scan(&p.ID)
}

func (s *SQLStore) GetProject(ctx context.Context, id int) (*Project, error) {
	var p Project
	err := s.db.GetContext(ctx, &p, `SELECT * FROM projects WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %d: %w", id, core.ErrProjectNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLStore) DeleteProject(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %d: %w", id, core.ErrProjectNotFound)
	}
	return nil
}

func (s *SQLStore) CreateEndpoint(ctx context.Context, e *Endpoint) error {
	e.Method = NormalizeMethod(e.Method)
	if !ValidMethods[e.Method] {
		return fmt.Errorf("endpoint method %q: %w", e.Method, core.ErrInvalidConfiguration)
	}
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO endpoints (project_id, method, path, summary, prompt_text, keywords, intent_patterns, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		e.ProjectID, e.Method, e.Path, e.Summary, e.PromptText,
		pq.Array(e.Keywords), pq.Array(e.IntentPatterns), pq.Array(e.Embedding),
	).Scan(&e.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%s %s: %w", e.Method, e.Path, core.ErrDuplicateEndpoint)
	}
	return err
}

func (s *SQLStore) ListEndpoints(ctx context.Context, projectID int) ([]Endpoint, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, project_id, method, path, summary, prompt_text, keywords, intent_patterns, embedding
		 FROM endpoints WHERE project_id = $1 ORDER BY method, path`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Endpoint
	for rows.Next() {
		var e Endpoint
		var keywords, patterns pq.StringArray
		var embedding pq.Float64Array
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Method, &e.Path, &e.Summary,
			&e.PromptText, &keywords, &patterns, &embedding); err != nil {
			return nil, err
		}
		e.Keywords = keywords
		e.IntentPatterns = patterns
		e.Embedding = embedding
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateEndpointHints(ctx context.Context, endpointID int, promptText string, keywords, intentPatterns []string, embedding []float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE endpoints SET
		   prompt_text     = CASE WHEN $2 = '' THEN prompt_text ELSE $2 END,
		   keywords        = CASE WHEN cardinality($3::text[]) = 0 THEN keywords ELSE $3 END,
		   intent_patterns = CASE WHEN cardinality($4::text[]) = 0 THEN intent_patterns ELSE $4 END,
		   embedding       = CASE WHEN cardinality($5::double precision[]) = 0 THEN embedding ELSE $5 END
		 WHERE id = $1`,
		endpointID, promptText, pq.Array(keywords), pq.Array(intentPatterns), pq.Array(embedding))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("endpoint %d: %w", endpointID, core.ErrEndpointNotFound)
	}
	return nil
}

func (s *SQLStore) ListParameters(ctx context.Context, endpointID int) ([]RequestParameter, error) {
	var out []RequestParameter
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM request_parameters WHERE endpoint_id = $1 ORDER BY name`, endpointID)
	return out, err
}

func (s *SQLStore) UpsertParameter(ctx context.Context, endpointID int, p RequestParameter) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_parameters (endpoint_id, name, location, type, required, description)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (endpoint_id, name) DO UPDATE SET
		   location = EXCLUDED.location,
		   type     = EXCLUDED.type,
		   required = EXCLUDED.required,
		   description = CASE WHEN EXCLUDED.description = '' THEN request_parameters.description ELSE EXCLUDED.description END`,
		endpointID, p.Name, p.In, p.Type, p.Required, p.Description)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("endpoint %d: %w", endpointID, core.ErrEndpointNotFound)
	}
	return err
}

func (s *SQLStore) RenameParameter(ctx context.Context, endpointID int, oldName, newName string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM request_parameters WHERE endpoint_id = $1 AND name = $2)`,
		endpointID, newName); err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("parameter %q: %w", newName, core.ErrParameterConflict)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE request_parameters SET name = $3 WHERE endpoint_id = $1 AND name = $2`,
		endpointID, oldName, newName)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("parameter %q: %w", oldName, core.ErrParameterNotFound)
	}
	return tx.Commit()
}

func (s *SQLStore) CreateResponseField(ctx context.Context, f *ResponseField) error {
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO response_fields (endpoint_id, json_path, type, description)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		f.EndpointID, f.JSONPath, f.Type, f.Description).Scan(&f.ID)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("endpoint %d: %w", f.EndpointID, core.ErrEndpointNotFound)
	}
	return err
}

func (s *SQLStore) ListResponseFields(ctx context.Context, endpointID int) ([]ResponseField, error) {
	var out []ResponseField
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM response_fields WHERE endpoint_id = $1 ORDER BY id`, endpointID)
	return out, err
}

func (s *SQLStore) CreateFieldLink(ctx context.Context, l *FieldLink) error {
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO field_links (from_field_id, to_endpoint_id, to_param_name, relation_type, description)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		l.FromFieldID, l.ToEndpointID, l.ToParamName, l.RelationType, l.Description).Scan(&l.ID)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("endpoint %d: %w", l.ToEndpointID, core.ErrEndpointNotFound)
	}
	return err
}

func (s *SQLStore) ListFieldLinks(ctx context.Context, projectID int) ([]FieldLink, error) {
	var out []FieldLink
	err := s.db.SelectContext(ctx, &out,
		`SELECT fl.* FROM field_links fl
		 JOIN endpoints e ON e.id = fl.to_endpoint_id
		 WHERE e.project_id = $1 ORDER BY fl.id`, projectID)
	return out, err
}

func (s *SQLStore) UpsertResponseMessage(ctx context.Context, endpointID int, m ResponseMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO response_messages (endpoint_id, status_code, message, suggestion)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (endpoint_id, status_code) DO UPDATE SET
		   message = EXCLUDED.message, suggestion = EXCLUDED.suggestion`,
		endpointID, m.StatusCode, m.Message, m.Suggestion)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("endpoint %d: %w", endpointID, core.ErrEndpointNotFound)
	}
	return err
}

func (s *SQLStore) ListResponseMessages(ctx context.Context, endpointID int) ([]ResponseMessage, error) {
	var out []ResponseMessage
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM response_messages WHERE endpoint_id = $1 ORDER BY status_code`, endpointID)
	return out, err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
