// Package openapi generates the machine-readable description of the HTTP
// surface. The gate paths are built from the live resource catalog, so the
// served spec always matches what the permission middleware enforces.
package openapi

import (
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/Ubiwhere/uw-api-keys/internal/model"
	"github.com/Ubiwhere/uw-api-keys/internal/scope"
)

// Generate builds the OpenAPI 3.1 spec for the whole server, with one gate
// path per registered resource type.
func Generate(baseURL string, entries []scope.Entry) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "UW API Keys",
			Description: "API key issuance, verification, and scope-based authorization service.",
			Version:     "1.0.0",
		},
	}
	// An empty server URL does not validate; without a configured base URL
	// the document simply carries no servers block.
	if baseURL != "" {
		doc.Servers = openapi3.Servers{{URL: baseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["apiKey"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type: "apiKey",
			In:   "header",
			Name: "X-API-Key",
		},
	}
	doc.Components.SecuritySchemes["bearerAuth"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
		},
	}

	doc.Paths = openapi3.NewPaths()

	doc.Components.Schemas["ErrorResponse"] = errorResponseSchema()
	doc.Components.Schemas["Principal"] = principalSchema()
	doc.Components.Schemas["VerifyResult"] = verifyResultSchema()

	addHealthPaths(doc)
	addVerifyPaths(doc)
	addSystemPaths(doc)
	for _, e := range entries {
		addGatePath(doc, e)
	}

	return doc
}

func addHealthPaths(doc *openapi3.T) {
	doc.Paths.Set("/healthz", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"health"},
			Summary:     "Liveness probe",
			OperationID: "healthz",
			Responses:   jsonResponses(200, "Process is running", nil),
		},
	})
	doc.Paths.Set("/readyz", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"health"},
			Summary:     "Readiness probe",
			OperationID: "readyz",
			Responses:   jsonResponses(200, "Store is reachable", nil),
		},
	})
}

func addVerifyPaths(doc *openapi3.T) {
	doc.Paths.Set("/api/v1/verify", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"access"},
			Summary:     "Verify a key and optionally one permission",
			OperationID: "verify",
			RequestBody: jsonRequestBody(&openapi3.Schema{
				Type:     &openapi3.Types{"object"},
				Required: []string{"key"},
				Properties: openapi3.Schemas{
					"key":           stringProp(),
					"resource_type": stringProp(),
					"operation":     operationProp(),
				},
			}),
			Responses: jsonResponses(200, "Verification result", verifyResultRef()),
		},
	})
	doc.Paths.Set("/api/v1/principal", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"access"},
			Summary:     "Identity and scopes of the calling key",
			OperationID: "principal",
			Security:    securityAPIKey(),
			Responses:   jsonResponses(200, "Calling key's principal", principalRef()),
		},
	})
}

// addGatePath emits the forward-auth path for one catalog entry, with only
// the methods its operation set supports.
func addGatePath(doc *openapi3.T, e scope.Entry) {
	item := &openapi3.PathItem{}
	for _, op := range e.Operations {
		gateOp := &openapi3.Operation{
			Tags:        []string{"gate"},
			Summary:     fmt.Sprintf("Authorize %s on %s", op, e.ResourceType),
			OperationID: fmt.Sprintf("gate-%s-%s", e.ResourceType, op),
			Security:    securityAPIKey(),
			Responses:   emptyResponses(204, "Request is allowed"),
		}
		switch op {
		case model.OpRead:
			item.Get = gateOp
		case model.OpCreate:
			item.Post = gateOp
		case model.OpUpdate:
			item.Put = gateOp
		case model.OpDelete:
			item.Delete = gateOp
		}
	}
	doc.Paths.Set("/api/v1/gate/"+e.ResourceType, item)
}

func addSystemPaths(doc *openapi3.T) {
	doc.Paths.Set("/api/v1/system/session", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "Admin login",
			OperationID: "login",
			RequestBody: jsonRequestBody(&openapi3.Schema{
				Type:     &openapi3.Types{"object"},
				Required: []string{"email", "password"},
				Properties: openapi3.Schemas{
					"email":    stringProp(),
					"password": stringProp(),
				},
			}),
			Responses: jsonResponses(200, "Session token", nil),
		},
	})

	adminOnly := securityBearer()
	doc.Paths.Set("/api/v1/system/keys", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "List keys",
			OperationID: "list-keys",
			Security:    adminOnly,
			Responses:   jsonResponses(200, "All keys with scopes", nil),
		},
		Post: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "Issue a key",
			Description: "The plaintext key appears in this response only and cannot be retrieved again.",
			OperationID: "create-key",
			Security:    adminOnly,
			Responses:   jsonResponses(201, "Issued key with one-time plaintext", nil),
		},
	})
	doc.Paths.Set("/api/v1/system/keys/{identifier}", &openapi3.PathItem{
		Parameters: pathParam("identifier"),
		Get: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "Get one key",
			OperationID: "get-key",
			Security:    adminOnly,
			Responses:   jsonResponses(200, "Key with scopes", nil),
		},
		Delete: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "Revoke a key",
			OperationID: "revoke-key",
			Security:    adminOnly,
			Responses:   jsonResponses(200, "Key deactivated", nil),
		},
	})
	doc.Paths.Set("/api/v1/system/keys/{identifier}/scopes", &openapi3.PathItem{
		Parameters: pathParam("identifier"),
		Post: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "Grant operations on a resource type",
			OperationID: "grant-scope",
			Security:    adminOnly,
			Responses:   jsonResponses(200, "Updated scopes", nil),
		},
	})
	doc.Paths.Set("/api/v1/system/keys/{identifier}/scopes/{resourceType}", &openapi3.PathItem{
		Parameters: append(pathParam("identifier"), pathParam("resourceType")...),
		Delete: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "Revoke operations on a resource type",
			OperationID: "revoke-scope",
			Security:    adminOnly,
			Responses:   jsonResponses(200, "Updated scopes", nil),
		},
	})
	doc.Paths.Set("/api/v1/system/usage", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "List usage events",
			OperationID: "list-usage",
			Security:    adminOnly,
			Responses:   jsonResponses(200, "Usage events, newest first", nil),
		},
		Delete: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "Prune old usage events",
			OperationID: "prune-usage",
			Security:    adminOnly,
			Responses:   jsonResponses(200, "Number of deleted events", nil),
		},
	})
	doc.Paths.Set("/api/v1/system/resources", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "List registered resource types",
			OperationID: "list-resources",
			Security:    adminOnly,
			Responses:   jsonResponses(200, "Resource catalog", nil),
		},
	})
	doc.Paths.Set("/api/v1/system/admins", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "List admins",
			OperationID: "list-admins",
			Security:    adminOnly,
			Responses:   jsonResponses(200, "Management-API users", nil),
		},
		Post: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "Create an admin",
			OperationID: "create-admin",
			Security:    adminOnly,
			Responses:   jsonResponses(201, "Created admin", nil),
		},
	})
}

// --- schema and response helpers ---

func errorResponseSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type: &openapi3.Types{"object"},
						Properties: openapi3.Schemas{
							"code":    &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
							"message": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
						},
					},
				},
			},
		},
	}
}

// Component references must carry the resolved schema as their value;
// validation rejects a bare ref string.
func errorResponseRef() *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/ErrorResponse", errorResponseSchema().Value)
}

func principalRef() *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/Principal", principalSchema().Value)
}

func verifyResultRef() *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/VerifyResult", verifyResultSchema().Value)
}

func principalSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"key_id":     &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}},
				"identifier": stringProp(),
				"prefix":     stringProp(),
				"owner":      stringProp(),
				"label":      stringProp(),
				"scopes": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type: &openapi3.Types{"array"},
						Items: &openapi3.SchemaRef{
							Value: &openapi3.Schema{
								Type: &openapi3.Types{"object"},
								Properties: openapi3.Schemas{
									"resource_type": stringProp(),
									"operations": &openapi3.SchemaRef{
										Value: &openapi3.Schema{
											Type:  &openapi3.Types{"array"},
											Items: operationProp(),
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
}

func verifyResultSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:     &openapi3.Types{"object"},
			Required: []string{"valid"},
			Properties: openapi3.Schemas{
				"valid":     &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}},
				"allowed":   &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}},
				"principal": principalRef(),
			},
		},
	}
}

func stringProp() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}}
}

func operationProp() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type: &openapi3.Types{"string"},
		Enum: []interface{}{"create", "read", "update", "delete"},
	}}
}

func pathParam(name string) openapi3.Parameters {
	return openapi3.Parameters{
		&openapi3.ParameterRef{
			Value: &openapi3.Parameter{
				Name:     name,
				In:       "path",
				Required: true,
				Schema:   stringProp(),
			},
		},
	}
}

func jsonRequestBody(schema *openapi3.Schema) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{
		Value: &openapi3.RequestBody{
			Required: true,
			Content:  openapi3.NewContentWithJSONSchema(schema),
		},
	}
}

func jsonResponses(status int, description string, schema *openapi3.SchemaRef) *openapi3.Responses {
	resp := &openapi3.Response{Description: &description}
	if schema != nil {
		resp.Content = openapi3.NewContentWithJSONSchemaRef(schema)
	}
	responses := openapi3.NewResponses()
	responses.Set(fmt.Sprintf("%d", status), &openapi3.ResponseRef{Value: resp})
	responses.Set("default", &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: strPtr("Error"),
			Content:     openapi3.NewContentWithJSONSchemaRef(errorResponseRef()),
		},
	})
	return responses
}

func emptyResponses(status int, description string) *openapi3.Responses {
	responses := openapi3.NewResponses()
	responses.Set(fmt.Sprintf("%d", status), &openapi3.ResponseRef{
		Value: &openapi3.Response{Description: &description},
	})
	responses.Set("default", &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: strPtr("Error"),
			Content:     openapi3.NewContentWithJSONSchemaRef(errorResponseRef()),
		},
	})
	return responses
}

func securityAPIKey() *openapi3.SecurityRequirements {
	return &openapi3.SecurityRequirements{{"apiKey": {}}}
}

func securityBearer() *openapi3.SecurityRequirements {
	return &openapi3.SecurityRequirements{{"bearerAuth": {}}}
}

func strPtr(s string) *string { return &s }
