package api

import (
	"net/http"
	"strconv"
)

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.buildOpenAPIDoc())
}

// buildOpenAPIDoc describes the API routes. Registered plugins and their
// usage are listed under x-plugins.
func (s *Server) buildOpenAPIDoc() map[string]any {
	secured := []any{map[string]any{"BearerAuth": []string{}}}
	op := func(summary, scope string, codes ...string) map[string]any {
		responses := map[string]any{
			"401": map[string]any{"description": "Missing or invalid token"},
			"403": map[string]any{"description": "Insufficient scope"},
		}
		for _, c := range codes {
			n, _ := strconv.Atoi(c)
			responses[c] = map[string]any{"description": http.StatusText(n)}
		}
		return map[string]any{
			"summary":   summary,
			"security":  secured,
			"x-scope":   scope,
			"responses": responses,
		}
	}

	paths := map[string]any{
		"/healthz": map[string]any{"get": map[string]any{"summary": "Liveness", "responses": map[string]any{"200": map[string]any{"description": "OK"}}}},
		"/metrics": map[string]any{"get": map[string]any{"summary": "Prometheus metrics", "responses": map[string]any{"200": map[string]any{"description": "OK"}}}},
		"/sites/{site}/dispatch": map[string]any{
			"post": op("Resolve the top response for a message", "dispatch:rw", "200", "400", "404", "409", "500"),
		},
		"/interactions/{id}/posted": map[string]any{
			"post": op("Confirm an interaction was posted", "interactions:rw", "200", "400", "404", "409"),
		},
		"/interactions":            map[string]any{"get": op("List interactions or look one up by posted_id", "interactions:ro", "200", "400", "404")},
		"/interactions/{id}":       map[string]any{"get": op("Get an interaction", "interactions:ro", "200", "404")},
		"/traceback":               map[string]any{"get": op("Traceback for a posted id", "interactions:ro", "200", "400", "404")},
		"/channels/{channel}/lock": map[string]any{"get": op("Channel lock state", "interactions:ro", "200", "500")},
		"/events":                  map[string]any{"get": op("Server-sent event stream", "events:ro", "200")},
	}
	withQuery := func(path, name, desc string) {
		get := paths[path].(map[string]any)["get"].(map[string]any)
		params, _ := get["parameters"].([]any)
		get["parameters"] = append(params, map[string]any{
			"name": name, "in": "query", "required": false,
			"description": desc, "schema": map[string]any{"type": "string"},
		})
	}
	withQuery("/interactions", "limit", "Maximum number of recent interactions")
	withQuery("/interactions", "posted_id", "JSON array posted id to look up")
	withQuery("/traceback", "posted_id", "JSON array posted id")
	withQuery("/events", "types", "Comma-separated event types; family.* selects a family")

	plugins := []map[string]any{}
	if s.deps.Plugins != nil {
		for _, p := range s.deps.Plugins.All() {
			plugins = append(plugins, map[string]any{
				"name":        p.Name(),
				"description": p.Description(),
				"usage":       p.Usage(),
			})
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Switchboard",
			"version": "1.0",
		},
		"paths":     paths,
		"x-plugins": plugins,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}
