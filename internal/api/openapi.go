package api

import (
	"net/http"

	"github.com/mattjoyce/igtexd/internal/auth"
)

// handleOpenAPI serves GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.WorkspaceTokens, s.bearerAuthEnabled()))
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the service routes.
// Security requirements reflect the running configuration.
func buildOpenAPIDoc(workspaceTokens, bearer bool) map[string]any {
	var open, workspaceScoped []any
	if bearer {
		open = []any{map[string]any{"BearerAuth": []string{}}}
		workspaceScoped = open
	}
	if workspaceTokens {
		req := map[string]any{"WorkspaceToken": []string{}}
		if bearer {
			req["BearerAuth"] = []string{}
		}
		workspaceScoped = []any{req}
	}

	notFound := map[string]any{"description": "Unknown workspace"}
	if workspaceTokens {
		// Token checks run before the lookup, so an unknown folder answers
		// 401 or 403 and existence is not revealed.
		notFound = map[string]any{"description": "Unknown workspace; only reachable with an all-scope bearer token, otherwise unknown folders return 401 or 403"}
	}

	outcomeResponses := map[string]any{
		"200": response("Compiled; path references output.html", "#/components/schemas/CompileResponse"),
		"400": response("Missing media files or invalid input", "#/components/schemas/MissingResponse"),
		"401": map[string]any{"description": "Missing credentials"},
		"403": map[string]any{"description": "Insufficient scope or invalid workspace token"},
		"404": notFound,
		"413": map[string]any{"description": "Asset or request too large"},
		"422": response("Compiler reported errors", "#/components/schemas/CompileFailedResponse"),
		"502": map[string]any{"description": "Compiler could not be run"},
		"504": map[string]any{"description": "Compiler timed out"},
	}

	paths := map[string]any{
		"/upload": map[string]any{
			"post": operation("upload", "Submit a .igtex document", open, multipartBody(map[string]any{
				"file": binaryField(),
			}, "file"), map[string]any{
				"200": response("Workspace created", "#/components/schemas/UploadResponse"),
				"400": map[string]any{"description": "Invalid document"},
				"413": map[string]any{"description": "Request too large"},
			}),
		},
		"/upload_media/{folder}": map[string]any{
			"post": withFolderParam(operation("uploadMedia", "Add media to a workspace and compile", workspaceScoped,
				map[string]any{
					"required": false,
					"content": map[string]any{
						"multipart/form-data": map[string]any{
							"schema": map[string]any{
								"type":                 "object",
								"additionalProperties": binaryField(),
							},
						},
					},
				}, outcomeResponses)),
		},
		"/compile_edit": map[string]any{
			"post": operation("compileEdit", "Replace the document source and recompile", workspaceScoped, multipartBody(map[string]any{
				"folder":   map[string]any{"type": "string"},
				"filename": map[string]any{"type": "string"},
				"source":   map[string]any{"type": "string"},
			}, "folder", "filename", "source"), outcomeResponses),
		},
		"/workspaces/{folder}": map[string]any{
			"get": withFolderParam(operation("getWorkspace", "Workspace journal summary", workspaceScoped, nil, map[string]any{
				"200": map[string]any{"description": "Workspace with assets and recent compilations"},
				"404": notFound,
			})),
		},
		"/events": map[string]any{
			"get": operation("events", "Server-sent lifecycle events", open, nil, map[string]any{
				"200": map[string]any{
					"description": "Event stream",
					"content":     map[string]any{"text/event-stream": map[string]any{}},
				},
			}),
		},
		"/healthz": map[string]any{
			"get": operation("healthz", "Liveness and workspace count", nil, nil, map[string]any{
				"200": response("Healthy", "#/components/schemas/HealthzResponse"),
			}),
		},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "igtexd",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":        "http",
					"scheme":      "bearer",
					"description": "Scopes: " + auth.ScopeCompileRW + ", " + auth.ScopeCompileRO + ", " + auth.ScopeEventsRO,
				},
				"WorkspaceToken": map[string]any{
					"type":        "apiKey",
					"in":          "header",
					"name":        WorkspaceTokenHeader,
					"description": "Issued by /upload. A missing token answers 401 and a wrong token or unknown folder answers 403.",
				},
			},
			"schemas": map[string]any{
				"UploadResponse": object(map[string]any{
					"folder": map[string]any{"type": "string"},
					"token":  map[string]any{"type": "string"},
					"media": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type":        "array",
							"prefixItems": []any{map[string]any{"enum": []string{"image", "video"}}, map[string]any{"type": "string"}},
						},
					},
				}),
				"CompileResponse": object(map[string]any{
					"success": map[string]any{"type": "boolean"},
					"path":    map[string]any{"type": "string"},
				}),
				"MissingResponse": object(map[string]any{
					"error":   map[string]any{"type": "string"},
					"missing": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				}),
				"CompileFailedResponse": object(map[string]any{
					"error":       map[string]any{"type": "string"},
					"success":     map[string]any{"type": "boolean"},
					"diagnostics": map[string]any{"type": "string"},
					"exit_code":   map[string]any{"type": "integer"},
				}),
				"HealthzResponse": object(map[string]any{
					"status":         map[string]any{"type": "string"},
					"uptime_seconds": map[string]any{"type": "integer"},
					"workspaces":     map[string]any{"type": "integer"},
				}),
			},
		},
	}
}

func operation(id, summary string, security []any, body map[string]any, responses map[string]any) map[string]any {
	op := map[string]any{
		"operationId": id,
		"summary":     summary,
		"responses":   responses,
	}
	if security != nil {
		op["security"] = security
	}
	if body != nil {
		op["requestBody"] = body
	}
	return op
}

func withFolderParam(op map[string]any) map[string]any {
	op["parameters"] = []any{map[string]any{
		"name":     "folder",
		"in":       "path",
		"required": true,
		"schema":   map[string]any{"type": "string"},
	}}
	return op
}

func multipartBody(props map[string]any, required ...string) map[string]any {
	schema := object(props)
	schema["required"] = required
	return map[string]any{
		"required": true,
		"content": map[string]any{
			"multipart/form-data": map[string]any{"schema": schema},
		},
	}
}

func response(description, ref string) map[string]any {
	return map[string]any{
		"description": description,
		"content": map[string]any{
			"application/json": map[string]any{
				"schema": map[string]any{"$ref": ref},
			},
		},
	}
}

func object(props map[string]any) map[string]any {
	return map[string]any{"type": "object", "properties": props}
}

func binaryField() map[string]any {
	return map[string]any{"type": "string", "format": "binary"}
}
