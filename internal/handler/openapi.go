package handler

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/Ubiwhere/uw-api-keys/internal/openapi"
	"github.com/Ubiwhere/uw-api-keys/internal/scope"
)

// OpenAPIHandler serves the generated OpenAPI 3.1 spec. The resource catalog
// is fixed at startup, so the document is built once and cached.
type OpenAPIHandler struct {
	registry *scope.Registry
	baseURL  string

	once sync.Once
	body []byte
	err  error
}

// NewOpenAPIHandler creates a new OpenAPIHandler.
func NewOpenAPIHandler(registry *scope.Registry, baseURL string) *OpenAPIHandler {
	return &OpenAPIHandler{registry: registry, baseURL: baseURL}
}

// ServeSpec returns the full spec as JSON.
// GET /openapi.json
func (h *OpenAPIHandler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	h.once.Do(func() {
		doc := openapi.Generate(h.baseURL, h.registry.Entries())
		if err := doc.Validate(r.Context()); err != nil {
			h.err = err
			return
		}
		h.body, h.err = json.Marshal(doc)
	})
	if h.err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build spec: "+h.err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(h.body)
}
