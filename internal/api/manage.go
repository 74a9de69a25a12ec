package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/agentrelay/internal/storage"
)

// AgentBody is the JSON shape of an agent. Pointer fields let PATCH leave
// values untouched.
type AgentBody struct {
	ID                  string     `json:"id,omitempty"`
	UserID              string     `json:"userId"`
	Name                *string    `json:"name,omitempty"`
	Instructions        *string    `json:"instructions,omitempty"`
	Model               *string    `json:"model,omitempty"`
	Temperature         *float64   `json:"temperature,omitempty"`
	MaxPromptTokens     *int       `json:"maxPromptTokens,omitempty"`
	MaxCompletionTokens *int       `json:"maxCompletionTokens,omitempty"`
	ErrorMessage        *string    `json:"errorMessage,omitempty"`
	WelcomeMessage      *string    `json:"welcomeMessage,omitempty"`
	SourceIDs           []string   `json:"sourceIds,omitempty"`
	AssistantID         string     `json:"assistantId,omitempty"`
	TrainingStatus      string     `json:"trainingStatus,omitempty"`
	TrainingMessage     string     `json:"trainingMessage,omitempty"`
	LastTrainedAt       *time.Time `json:"lastTrainedAt,omitempty"`
	CreatedAt           *time.Time `json:"createdAt,omitempty"`
	UpdatedAt           *time.Time `json:"updatedAt,omitempty"`
}

func agentBody(a storage.Agent) AgentBody {
	return AgentBody{
		ID:                  a.ID,
		UserID:              a.UserID,
		Name:                &a.Name,
		Instructions:        &a.Instructions,
		Model:               &a.Model,
		Temperature:         &a.Temperature,
		MaxPromptTokens:     &a.MaxPromptTokens,
		MaxCompletionTokens: &a.MaxCompletionTokens,
		ErrorMessage:        &a.ErrorMessage,
		WelcomeMessage:      &a.WelcomeMessage,
		SourceIDs:           a.SourceIDs,
		AssistantID:         a.AssistantID,
		TrainingStatus:      a.TrainingStatus,
		TrainingMessage:     a.TrainingMessage,
		LastTrainedAt:       a.LastTrainedAt,
		CreatedAt:           &a.CreatedAt,
		UpdatedAt:           &a.UpdatedAt,
	}
}

// apply copies the fields present in b onto a.
func (b AgentBody) apply(a *storage.Agent) {
	if b.Name != nil {
		a.Name = *b.Name
	}
	if b.Instructions != nil {
		a.Instructions = *b.Instructions
	}
	if b.Model != nil {
		a.Model = *b.Model
	}
	if b.Temperature != nil {
		a.Temperature = *b.Temperature
	}
	if b.MaxPromptTokens != nil {
		a.MaxPromptTokens = *b.MaxPromptTokens
	}
	if b.MaxCompletionTokens != nil {
		a.MaxCompletionTokens = *b.MaxCompletionTokens
	}
	if b.ErrorMessage != nil {
		a.ErrorMessage = *b.ErrorMessage
	}
	if b.WelcomeMessage != nil {
		a.WelcomeMessage = *b.WelcomeMessage
	}
	if b.SourceIDs != nil {
		a.SourceIDs = b.SourceIDs
	}
}

func (b AgentBody) validate(creating bool) []Issue {
	var issues []Issue
	if creating && strings.TrimSpace(b.UserID) == "" {
		issues = append(issues, Issue{Path: []string{"userId"}, Message: "userId is required"})
	}
	if (creating || b.Name != nil) && (b.Name == nil || strings.TrimSpace(*b.Name) == "") {
		issues = append(issues, Issue{Path: []string{"name"}, Message: "name is required"})
	}
	if b.Temperature != nil && (*b.Temperature < 0 || *b.Temperature > 2) {
		issues = append(issues, Issue{Path: []string{"temperature"}, Message: "temperature must be between 0 and 2"})
	}
	for _, f := range []struct {
		name string
		v    *int
	}{{"maxPromptTokens", b.MaxPromptTokens}, {"maxCompletionTokens", b.MaxCompletionTokens}} {
		if f.v != nil && *f.v < 0 {
			issues = append(issues, Issue{Path: []string{f.name}, Message: f.name + " must not be negative"})
		}
	}
	return issues
}

type SourceBody struct {
	ID          string     `json:"id,omitempty"`
	UserID      string     `json:"userId"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`

	Texts    []storage.TextBlock  `json:"texts,omitempty"`
	QA       []storage.QAPair     `json:"qa,omitempty"`
	Websites []storage.Website    `json:"websites,omitempty"`
	Catalogs []storage.Catalog    `json:"catalogs,omitempty"`
	Files    []storage.SourceFile `json:"files,omitempty"`
}

func sourceBody(s storage.KnowledgeSource) SourceBody {
	return SourceBody{
		ID:          s.ID,
		UserID:      s.UserID,
		Name:        s.Name,
		Description: s.Description,
		CreatedAt:   &s.CreatedAt,
		UpdatedAt:   &s.UpdatedAt,
		Texts:       s.Texts,
		QA:          s.QA,
		Websites:    s.Websites,
		Catalogs:    s.Catalogs,
		Files:       s.Files,
	}
}

func mountManagement(r chi.Router, deps Deps) {
	r.Get("/agents", handleListAgents(deps))
	r.Post("/agents", handleCreateAgent(deps))
	r.Get("/agents/{id}", handleGetAgent(deps))
	r.Patch("/agents/{id}", handlePatchAgent(deps))
	r.Delete("/agents/{id}", handleDeleteAgent(deps))
	r.Get("/agents/{id}/errors", handleListErrors(deps))
	r.Get("/agents/{id}/messages", handleListMessages(deps))

	r.Get("/sources", handleListSources(deps))
	r.Post("/sources", handleCreateSource(deps))
	r.Get("/sources/{id}", handleGetSource(deps))
	r.Delete("/sources/{id}", handleDeleteSource(deps))
	r.Post("/sources/{id}/texts", handleAddItem(deps, storage.ItemText))
	r.Post("/sources/{id}/qa", handleAddItem(deps, storage.ItemQA))
	r.Post("/sources/{id}/websites", handleAddItem(deps, storage.ItemWebsite))
	r.Post("/sources/{id}/catalogs", handleAddItem(deps, storage.ItemCatalog))
	r.Post("/sources/{id}/files", handleAddItem(deps, storage.ItemFile))
	r.Delete("/sources/{id}/{kind}/{itemID}", handleRemoveItem(deps))

	r.Put("/users/{id}/plan", handlePutPlan(deps))
}

func handleListAgents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agents, err := deps.Store.ListAgents(r.Context(), r.URL.Query().Get("userId"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list agents: %v", err)
			return
		}
		out := make([]AgentBody, 0, len(agents))
		for _, a := range agents {
			out = append(out, agentBody(a))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleCreateAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body AgentBody
		if !decodeBody(w, r, &body) {
			return
		}
		if issues := body.validate(true); len(issues) > 0 {
			writeIssues(w, issues)
			return
		}

		a := storage.Agent{UserID: body.UserID}
		body.apply(&a)
		created, err := deps.Store.CreateAgent(r.Context(), a)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create agent: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, agentBody(created))
	}
}

func handleGetAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := loadAgent(w, r, deps)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, agentBody(a))
	}
}

func handlePatchAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := loadAgent(w, r, deps)
		if !ok {
			return
		}
		var body AgentBody
		if !decodeBody(w, r, &body) {
			return
		}
		if issues := body.validate(false); len(issues) > 0 {
			writeIssues(w, issues)
			return
		}

		body.apply(&a)
		updated, err := deps.Store.UpdateAgent(r.Context(), a)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update agent: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, agentBody(updated))
	}
}

func handleDeleteAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := loadAgent(w, r, deps)
		if !ok {
			return
		}
		if deps.Assistants != nil {
			deps.Assistants.Delete(r.Context(), a)
		}
		if err := deps.Store.DeleteAgent(r.Context(), a.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete agent: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleListErrors(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := deps.Store.ListErrors(r.Context(), chi.URLParam(r, "id"), parseIntParam(r, "limit", 50, 500))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list errors: %v", err)
			return
		}
		type errorBody struct {
			ID        string    `json:"id"`
			ThreadID  string    `json:"threadId,omitempty"`
			Message   string    `json:"message"`
			CreatedAt time.Time `json:"createdAt"`
		}
		out := make([]errorBody, 0, len(recs))
		for _, e := range recs {
			out = append(out, errorBody{ID: e.ID, ThreadID: e.ThreadID, Message: e.Message, CreatedAt: e.CreatedAt})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleListMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := deps.Store.ListMessages(r.Context(), chi.URLParam(r, "id"), parseIntParam(r, "limit", 50, 500))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list messages: %v", err)
			return
		}
		type messageBody struct {
			ID          string    `json:"id"`
			ThreadID    string    `json:"threadId"`
			UserMessage string    `json:"userMessage"`
			Response    string    `json:"response"`
			CreatedAt   time.Time `json:"createdAt"`
		}
		out := make([]messageBody, 0, len(recs))
		for _, m := range recs {
			out = append(out, messageBody{ID: m.ID, ThreadID: m.ThreadID, UserMessage: m.UserMessage, Response: m.Response, CreatedAt: m.CreatedAt})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleListSources(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sources, err := deps.Store.ListSources(r.Context(), r.URL.Query().Get("userId"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sources: %v", err)
			return
		}
		out := make([]SourceBody, 0, len(sources))
		for _, s := range sources {
			out = append(out, sourceBody(s))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleCreateSource(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body SourceBody
		if !decodeBody(w, r, &body) {
			return
		}
		var issues []Issue
		if strings.TrimSpace(body.UserID) == "" {
			issues = append(issues, Issue{Path: []string{"userId"}, Message: "userId is required"})
		}
		if strings.TrimSpace(body.Name) == "" {
			issues = append(issues, Issue{Path: []string{"name"}, Message: "name is required"})
		}
		if len(issues) > 0 {
			writeIssues(w, issues)
			return
		}

		src, err := deps.Store.CreateSource(r.Context(), storage.KnowledgeSource{
			UserID: body.UserID, Name: body.Name, Description: body.Description,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create source: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, sourceBody(src))
	}
}

func handleGetSource(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src, err := deps.Store.GetSource(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "source not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get source: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, sourceBody(src))
	}
}

func handleDeleteSource(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.DeleteSource(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "source not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete source: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// ItemBody carries the fields of any source item kind.
type ItemBody struct {
	Content      string            `json:"content"`
	Question     string            `json:"question"`
	Answer       string            `json:"answer"`
	URL          string            `json:"url"`
	Instructions string            `json:"instructions"`
	Products     []storage.Product `json:"products"`
	Name         string            `json:"name"`
	BlobURL      string            `json:"blobUrl"`
}

func (b ItemBody) validate(kind storage.ItemKind) []Issue {
	required := func(path, v string) []Issue {
		if strings.TrimSpace(v) == "" {
			return []Issue{{Path: []string{path}, Message: path + " is required"}}
		}
		return nil
	}
	switch kind {
	case storage.ItemText:
		return required("content", b.Content)
	case storage.ItemQA:
		return append(required("question", b.Question), required("answer", b.Answer)...)
	case storage.ItemWebsite:
		issues := required("url", b.URL)
		if issues == nil && !strings.HasPrefix(b.URL, "http://") && !strings.HasPrefix(b.URL, "https://") {
			issues = []Issue{{Path: []string{"url"}, Message: "url must be http or https"}}
		}
		return issues
	case storage.ItemCatalog:
		if len(b.Products) == 0 {
			return []Issue{{Path: []string{"products"}, Message: "at least one product is required"}}
		}
		return nil
	case storage.ItemFile:
		return append(required("name", b.Name), required("blobUrl", b.BlobURL)...)
	}
	return nil
}

func handleAddItem(deps Deps, kind storage.ItemKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sourceID := chi.URLParam(r, "id")
		var body ItemBody
		if !decodeBody(w, r, &body) {
			return
		}
		if issues := body.validate(kind); len(issues) > 0 {
			writeIssues(w, issues)
			return
		}

		ctx := r.Context()
		var (
			id  string
			err error
		)
		switch kind {
		case storage.ItemText:
			id, err = deps.Store.AddText(ctx, sourceID, body.Content)
		case storage.ItemQA:
			id, err = deps.Store.AddQA(ctx, sourceID, body.Question, body.Answer)
		case storage.ItemWebsite:
			id, err = deps.Store.AddWebsite(ctx, sourceID, body.URL)
		case storage.ItemCatalog:
			id, err = deps.Store.AddCatalog(ctx, sourceID, storage.Catalog{Instructions: body.Instructions, Products: body.Products})
		case storage.ItemFile:
			id, err = deps.Store.AddSourceFile(ctx, sourceID, body.Name, body.BlobURL)
		}
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "source not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to add %s: %v", kind, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

var itemRoutes = map[string]storage.ItemKind{
	"texts":    storage.ItemText,
	"qa":       storage.ItemQA,
	"websites": storage.ItemWebsite,
	"catalogs": storage.ItemCatalog,
	"files":    storage.ItemFile,
}

func handleRemoveItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, ok := itemRoutes[chi.URLParam(r, "kind")]
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "unknown item kind")
			return
		}
		err := deps.Store.RemoveItem(r.Context(), chi.URLParam(r, "id"), kind, chi.URLParam(r, "itemID"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to remove item: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handlePutPlan(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "id")
		var body struct {
			Plan string `json:"plan"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		plan := strings.ToUpper(strings.TrimSpace(body.Plan))
		if plan == "" {
			writeIssues(w, []Issue{{Path: []string{"plan"}, Message: "plan is required"}})
			return
		}
		if err := deps.Store.SetUserPlan(r.Context(), userID, plan); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to set plan: %v", err)
			return
		}
		if deps.Plans != nil {
			deps.Plans.Invalidate(userID)
		}
		writeJSON(w, http.StatusOK, map[string]string{"userId": userID, "plan": plan})
	}
}

func loadAgent(w http.ResponseWriter, r *http.Request, deps Deps) (storage.Agent, bool) {
	a, err := deps.Store.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "agent not found")
		return storage.Agent{}, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to get agent: %v", err)
		return storage.Agent{}, false
	}
	return a, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeIssues(w, []Issue{{Path: []string{}, Message: "invalid request body: " + err.Error()}})
		return false
	}
	return true
}
