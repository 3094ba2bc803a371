package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/apiweaver/apiweaver/llm"
	"github.com/apiweaver/apiweaver/metadata"
)

// fakeGateway replays scripted responses in order. Chat and CompleteJSON
// share the same script; Embed uses its own function.
type fakeGateway struct {
	mu        sync.Mutex
	responses []string
	prompts   []llm.Prompt
	chatErr   error
	embedFn   func(text string) ([]float64, error)
}

func (f *fakeGateway) next(p llm.Prompt) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, p)
	if f.chatErr != nil {
		return "", f.chatErr
	}
	if len(f.responses) == 0 {
		return "", fmt.Errorf("fake gateway script exhausted")
	}
	response := f.responses[0]
	f.responses = f.responses[1:]
	return response, nil
}

func (f *fakeGateway) Chat(ctx context.Context, p llm.Prompt) (string, error) {
	return f.next(p)
}

func (f *fakeGateway) CompleteJSON(ctx context.Context, p llm.Prompt, out interface{}) error {
	content, err := f.next(p)
	if err != nil {
		return err
	}
	extracted, err := llm.ExtractJSON(content)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(extracted), out)
}

func (f *fakeGateway) Embed(ctx context.Context, text string) ([]float64, error) {
	if f.embedFn != nil {
		return f.embedFn(text)
	}
	return nil, fmt.Errorf("no embeddings scripted")
}

// seedProject loads a small weather-style catalog into a fresh in-memory
// repository: a city search endpoint whose id feeds a forecast endpoint.
func seedProject(baseURL string) (*metadata.Repository, int, error) {
	store := metadata.NewMemoryStore()
	repo := metadata.NewRepository(store)
	ctx := context.Background()

	project := &metadata.Project{Name: "weather", BaseURL: baseURL}
	if err := store.CreateProject(ctx, project); err != nil {
		return nil, 0, err
	}

	search := &metadata.Endpoint{
		ProjectID:      project.ID,
		Method:         "GET",
		Path:           "/cities",
		Summary:        "Search cities by name",
		PromptText:     "Find a city record by its name to obtain its identifier",
		Keywords:       []string{"city", "search", "name"},
		IntentPatterns: []string{"find city", "search for a city"},
	}
	if err := store.CreateEndpoint(ctx, search); err != nil {
		return nil, 0, err
	}
	if err := store.UpsertParameter(ctx, search.ID, metadata.RequestParameter{
		Name: "name", In: metadata.InQuery, Type: "string", Required: true,
	}); err != nil {
		return nil, 0, err
	}
	idField := metadata.ResponseField{
		EndpointID: search.ID, JSONPath: "$[0].id", Type: "integer",
	}
	if err := store.CreateResponseField(ctx, &idField); err != nil {
		return nil, 0, err
	}

	forecast := &metadata.Endpoint{
		ProjectID:      project.ID,
		Method:         "GET",
		Path:           "/forecast/{cityId}",
		Summary:        "Get the weather forecast for a city",
		PromptText:     "Retrieve the multi-day weather forecast for a known city id",
		Keywords:       []string{"forecast", "weather", "temperature"},
		IntentPatterns: []string{"weather forecast", "what is the weather"},
	}
	if err := store.CreateEndpoint(ctx, forecast); err != nil {
		return nil, 0, err
	}
	if err := store.UpsertParameter(ctx, forecast.ID, metadata.RequestParameter{
		Name: "cityId", In: metadata.InPath, Type: "integer", Required: true,
	}); err != nil {
		return nil, 0, err
	}

	status := &metadata.Endpoint{
		ProjectID: project.ID,
		Method:    "GET",
		Path:      "/status",
		Summary:   "Service status",
	}
	if err := store.CreateEndpoint(ctx, status); err != nil {
		return nil, 0, err
	}

	if err := store.CreateFieldLink(ctx, &metadata.FieldLink{
		FromFieldID:  idField.ID,
		ToEndpointID: forecast.ID,
		ToParamName:  "cityId",
		RelationType: "identifier",
	}); err != nil {
		return nil, 0, err
	}

	return repo, project.ID, nil
}

func detailsOf(scored []ScoredEndpoint) []metadata.EndpointDetail {
	details := make([]metadata.EndpointDetail, len(scored))
	for i, s := range scored {
		details[i] = s.EndpointDetail
	}
	return details
}

func planJSON(steps ...PlanStep) string {
	data, _ := json.Marshal(ExecutionPlan{Steps: steps})
	return string(data)
}
