package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
)

// registerOpenAPI serves the document under basePath, rendered once on first
// request after every route is registered.
func registerOpenAPI(r chi.Router, api huma.API, basePath string, authEnabled bool) {
	var (
		once sync.Once
		doc  []byte
		err  error
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorateOperations(oas, basePath, authEnabled)
			doc, err = json.Marshal(oas)
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

var errorResponse = &huma.Response{
	Description: "Error envelope",
	Content: map[string]*huma.MediaType{
		"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
	},
}

// decorateOperations adds the error envelope as the default response and,
// when auth is on, the bearer/api-key requirement on every guarded operation.
func decorateOperations(oas *huma.OpenAPI, basePath string, authEnabled bool) {
	if oas == nil {
		return
	}
	var security []map[string][]string
	if authEnabled {
		if oas.Components == nil {
			oas.Components = &huma.Components{}
		}
		if oas.Components.SecuritySchemes == nil {
			oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
		}
		oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
		oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
		security = []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
		oas.Security = security
	}
	health := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = errorResponse
			switch {
			case !authEnabled:
			case route == health:
				op.Security = []map[string][]string{}
			default:
				op.Security = security
			}
		}
	}
}

func registerDocs(r chi.Router, basePath string) {
	page := fmt.Sprintf(docsPage, path.Join("/", basePath, "openapi.json"))
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(page))
	})
}

const docsPage = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <title>Storyline API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
  <script>window.onload = () => SwaggerUIBundle({url: '%s', dom_id: '#swagger-ui'});</script>
</body>
</html>`
