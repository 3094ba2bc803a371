package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiweaver/apiweaver/core"
)

func seedCatalog(t *testing.T) (*Repository, *Project, *Endpoint, *Endpoint) {
	t.Helper()
	store := NewMemoryStore()
	repo := NewRepository(store)
	ctx := context.Background()

	project := &Project{Name: "petstore", BaseURL: "https://petstore.example.com"}
	require.NoError(t, store.CreateProject(ctx, project))

	list := &Endpoint{
		ProjectID: project.ID,
		Method:    "get",
		Path:      "/pets",
		Summary:   "List pets",
	}
	require.NoError(t, store.CreateEndpoint(ctx, list))
	require.NoError(t, store.UpsertParameter(ctx, list.ID, RequestParameter{
		Name: "limit", In: InQuery, Type: "integer",
	}))

	get := &Endpoint{
		ProjectID: project.ID,
		Method:    "GET",
		Path:      "/pets/{petId}",
		Summary:   "Get one pet",
	}
	require.NoError(t, store.CreateEndpoint(ctx, get))
	require.NoError(t, store.UpsertParameter(ctx, get.ID, RequestParameter{
		Name: "petId", In: InPath, Type: "integer", Required: true,
	}))

	return repo, project, list, get
}

func TestCreateEndpointNormalizesMethod(t *testing.T) {
	_, _, list, _ := seedCatalog(t)
	assert.Equal(t, "GET", list.Method)
}

func TestCreateEndpointRejectsDuplicates(t *testing.T) {
	repo, project, _, _ := seedCatalog(t)
	err := repo.Store().CreateEndpoint(context.Background(), &Endpoint{
		ProjectID: project.ID,
		Method:    "GET",
		Path:      "/pets",
	})
	assert.ErrorIs(t, err, core.ErrDuplicateEndpoint)
}

func TestFindEndpointMethodCaseInsensitive(t *testing.T) {
	repo, project, _, _ := seedCatalog(t)

	detail, err := repo.FindEndpoint(context.Background(), project.ID, "gEt", "/pets")
	require.NoError(t, err)
	assert.Equal(t, "GET /pets", detail.Label())

	_, err = repo.FindEndpoint(context.Background(), project.ID, "GET", "/Pets")
	assert.ErrorIs(t, err, core.ErrEndpointNotFound, "path lookup must stay case-sensitive")
}

func TestSnapshotInvalidatedByWrites(t *testing.T) {
	repo, project, _, _ := seedCatalog(t)
	ctx := context.Background()

	detail, err := repo.FindEndpoint(ctx, project.ID, "GET", "/pets")
	require.NoError(t, err)
	assert.Nil(t, detail.Parameter("offset"))

	require.NoError(t, repo.UpsertParameter(ctx, project.ID, "GET", "/pets", RequestParameter{
		Name: "offset", In: InQuery, Type: "integer",
	}))

	detail, err = repo.FindEndpoint(ctx, project.ID, "GET", "/pets")
	require.NoError(t, err)
	assert.NotNil(t, detail.Parameter("offset"), "snapshot must reflect the write")
}

func TestSnapshotIsolatedFromStoreMutation(t *testing.T) {
	repo, project, list, _ := seedCatalog(t)
	ctx := context.Background()

	before, err := repo.ListEndpointDetails(ctx, project.ID)
	require.NoError(t, err)

	// A write that bypasses the repository must not mutate the held snapshot.
	require.NoError(t, repo.Store().UpsertParameter(ctx, list.ID, RequestParameter{
		Name: "sneaky", In: InQuery,
	}))

	for _, d := range before {
		assert.Nil(t, d.Parameter("sneaky"), "cached snapshot mutated by a store write")
	}
}

func TestRenameParameterConflict(t *testing.T) {
	repo, project, _, _ := seedCatalog(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertParameter(ctx, project.ID, "GET", "/pets", RequestParameter{
		Name: "offset", In: InQuery,
	}))

	err := repo.RenameParameter(ctx, project.ID, "GET", "/pets", "offset", "limit")
	assert.ErrorIs(t, err, core.ErrParameterConflict)

	err = repo.RenameParameter(ctx, project.ID, "GET", "/pets", "ghost", "anything")
	assert.ErrorIs(t, err, core.ErrParameterNotFound)
}

func TestLinkHintsDenormalized(t *testing.T) {
	repo, project, list, get := seedCatalog(t)
	ctx := context.Background()
	store := repo.Store()

	field := &ResponseField{EndpointID: list.ID, JSONPath: "$[0].id", Type: "integer"}
	require.NoError(t, store.CreateResponseField(ctx, field))
	require.NoError(t, store.CreateFieldLink(ctx, &FieldLink{
		FromFieldID:  field.ID,
		ToEndpointID: get.ID,
		ToParamName:  "petId",
		RelationType: "identifier",
	}))
	repo.Invalidate(project.ID)

	hints, err := repo.LinkHints(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, hints, 1)
	assert.Equal(t, "GET /pets", hints[0].FromEndpoint)
	assert.Equal(t, "$[0].id", hints[0].FromPath)
	assert.Equal(t, "GET /pets/{petId}", hints[0].ToEndpoint)
	assert.Equal(t, "petId", hints[0].ToParam)
}

func TestResponseMessagePreference(t *testing.T) {
	repo, project, list, get := seedCatalog(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertResponseMessage(ctx, project.ID, "GET", "/pets", ResponseMessage{
		StatusCode: 404, Message: "No pets match.",
	}))
	require.NoError(t, repo.UpsertResponseMessage(ctx, project.ID, "GET", "/pets/{petId}", ResponseMessage{
		StatusCode: 404, Message: "That pet does not exist.",
	}))

	m := repo.ResponseMessageFor(ctx, project.ID, get.ID, 404)
	require.NotNil(t, m)
	assert.Equal(t, "That pet does not exist.", m.Message, "endpoint-specific message preferred")

	// An endpoint without its own entry falls back to any project entry.
	other := &Endpoint{ProjectID: project.ID, Method: "DELETE", Path: "/pets/{petId}"}
	require.NoError(t, repo.Store().CreateEndpoint(ctx, other))
	repo.Invalidate(project.ID)

	m = repo.ResponseMessageFor(ctx, project.ID, other.ID, 404)
	require.NotNil(t, m)

	assert.Nil(t, repo.ResponseMessageFor(ctx, project.ID, list.ID, 599))
}

func TestDeleteProjectCascades(t *testing.T) {
	repo, project, _, _ := seedCatalog(t)
	ctx := context.Background()

	require.NoError(t, repo.Store().DeleteProject(ctx, project.ID))
	repo.Invalidate(project.ID)

	_, err := repo.ListEndpointDetails(ctx, project.ID)
	assert.ErrorIs(t, err, core.ErrProjectNotFound)
}

func TestUpdateEndpointHintsPartial(t *testing.T) {
	repo, project, list, _ := seedCatalog(t)
	ctx := context.Background()
	store := repo.Store()

	require.NoError(t, store.UpdateEndpointHints(ctx, list.ID, "prompt text",
		[]string{"pets", "list"}, []string{"show pets"}, []float64{0.1, 0.2}))
	// Empty fields leave earlier values in place.
	require.NoError(t, store.UpdateEndpointHints(ctx, list.ID, "", nil, nil, nil))

	repo.Invalidate(project.ID)
	detail, err := repo.FindEndpoint(ctx, project.ID, "GET", "/pets")
	require.NoError(t, err)
	assert.Equal(t, "prompt text", detail.PromptText)
	assert.Equal(t, []string{"pets", "list"}, detail.Keywords)
	assert.Len(t, detail.Embedding, 2)
}
