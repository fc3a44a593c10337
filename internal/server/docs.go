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

const docsPage = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8"/>
<title>Runline API</title>
<link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
<div id="ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
<script>window.onload = () => SwaggerUIBundle({url: %q, dom_id: "#ui"});</script>
</body>
</html>`

var (
	bearerScheme = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	apiKeyScheme = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	errorReply   = &huma.Response{
		Description: "Error envelope",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
)

func specPath(basePath string) string {
	return path.Join("/", basePath, "openapi.json")
}

// registerDocs serves the OpenAPI document under basePath and a browser
// page for it at /docs. The document is finalized on first request, after
// every operation has been registered.
func registerDocs(r chi.Router, api huma.API, basePath string) {
	page := fmt.Sprintf(docsPage, specPath(basePath))
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	})

	var once sync.Once
	var doc []byte
	r.Get(specPath(basePath), func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorateSpec(oas, path.Join("/", basePath, "health"))
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	})
}

// decorateSpec declares both credential schemes and the error envelope on
// every operation. Health is the only unauthenticated operation.
func decorateSpec(oas *huma.OpenAPI, healthPath string) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = bearerScheme
	oas.Components.SecuritySchemes["apiKeyAuth"] = apiKeyScheme
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security

	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Patch, item.Delete} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = errorReply
			op.Security = security
			if route == healthPath {
				op.Security = []map[string][]string{}
			}
		}
	}
}
