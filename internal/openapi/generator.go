package openapi

import (
	"fmt"
	"sort"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/marqueeapi/marquee/internal/model"
)

// Options controls the generated document.
type Options struct {
	BaseURL           string
	Version           string
	APIKeyHeader      string
	AdminSecretHeader string
}

// errorDescriptions is the description of every error status the API
// returns. All of them carry the ErrorResponse envelope.
var errorDescriptions = map[string]string{
	"400": "Bad request",
	"401": "Missing, malformed, invalid or expired credential",
	"403": "Credential not active, or insufficient permissions",
	"404": "Not found",
	"409": "Conflicting key state",
	"429": "Rate limit exceeded",
	"500": "Internal server error",
	"503": "Credential store unavailable",
}

// Generate builds the OpenAPI 3.1 document for the authentication and
// API-key administration endpoints.
func Generate(opts Options) *openapi3.T {
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = "X-API-Key"
	}
	if opts.AdminSecretHeader == "" {
		opts.AdminSecretHeader = "X-Admin-Secret"
	}

	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "Marquee API",
			Description: "Token exchange, refresh and API-key administration for the Marquee movie API.",
			Version:     opts.Version,
		},
	}
	if opts.BaseURL != "" {
		doc.Servers = openapi3.Servers{{URL: opts.BaseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["bearerAuth"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
			Description:  "Short-lived access token from /api/v1/auth/token.",
		},
	}
	doc.Components.SecuritySchemes["apiKey"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:        "apiKey",
			In:          "header",
			Name:        opts.APIKeyHeader,
			Description: "Legacy raw API key. Prefer exchanging it for a token.",
		},
	}
	doc.Components.SecuritySchemes["adminSecret"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:        "apiKey",
			In:          "header",
			Name:        opts.AdminSecretHeader,
			Description: "Static admin shared secret.",
		},
	}

	addSchemas(doc)

	doc.Paths = openapi3.NewPaths()
	addAuthPaths(doc, opts)
	addAdminPaths(doc)
	return doc
}

// ---------------------------------------------------------------------------
// Component schemas
// ---------------------------------------------------------------------------

func addSchemas(doc *openapi3.T) {
	s := doc.Components.Schemas

	s["ErrorResponse"] = objectSchema(openapi3.Schemas{
		"error": objectSchema(openapi3.Schemas{
			"code":      enumSchema(errorCodes()...),
			"status":    intSchema("HTTP status code."),
			"message":   stringSchema("", "Human-readable description."),
			"requestId": stringSchema("", "Correlation id, echoed in X-Request-ID."),
			"timestamp": stringSchema("date-time", ""),
			"context":   &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
		}, "code", "status", "message", "requestId", "timestamp"),
	}, "error")

	s["RateLimit"] = objectSchema(openapi3.Schemas{
		"requests": intSchema("Requests allowed per window."),
		"window":   stringSchema("", "Window length such as \"1m\", \"1 h\" or \"1d\"."),
	}, "requests", "window")

	plans := make([]string, 0)
	for _, p := range model.Plans() {
		plans = append(plans, string(p))
	}
	s["Plan"] = enumSchema(plans...)
	s["KeyStatus"] = enumSchema(string(model.KeyStatusActive), string(model.KeyStatusRevoked), string(model.KeyStatusExpired))

	s["TokenPair"] = objectSchema(openapi3.Schemas{
		"accessToken":  stringSchema("", ""),
		"refreshToken": stringSchema("", ""),
		"expiresIn":    intSchema("Access token lifetime in seconds."),
		"tokenType":    enumSchema(model.TokenTypeBearer),
	}, "accessToken", "refreshToken", "expiresIn", "tokenType")

	s["Principal"] = objectSchema(openapi3.Schemas{
		"userId":      stringSchema("", ""),
		"email":       stringSchema("email", ""),
		"plan":        ref("Plan"),
		"permissions": arraySchema(stringSchema("", "")),
		"rateLimit":   ref("RateLimit"),
		"tokenExpiry": stringSchema("date-time", ""),
		"keyId":       stringSchema("", ""),
		"authMethod":  enumSchema(string(model.AuthMethodToken), string(model.AuthMethodAPIKey)),
	}, "userId", "plan", "permissions", "rateLimit", "authMethod")

	s["APIKey"] = objectSchema(openapi3.Schemas{
		"keyId":       stringSchema("uuid", ""),
		"maskedKey":   stringSchema("", "Display form of the key."),
		"plainKey":    stringSchema("", "Only present in create and rotate responses."),
		"fingerprint": stringSchema("", "SHA-256 of the key; only with include_sensitive=true."),
		"plan":        ref("Plan"),
		"permissions": arraySchema(stringSchema("", "")),
		"rateLimit":   ref("RateLimit"),
		"status":      ref("KeyStatus"),
		"createdAt":   stringSchema("date-time", ""),
		"updatedAt":   stringSchema("date-time", ""),
		"expiresAt":   stringSchema("date-time", ""),
		"lastUsedAt":  stringSchema("date-time", ""),
		"createdBy":   stringSchema("", ""),
		"description": stringSchema("", ""),
		"metadata":    mapSchema(),
	}, "keyId", "maskedKey", "plan", "permissions", "rateLimit", "status", "createdAt")

	s["APIKeyCreate"] = objectSchema(openapi3.Schemas{
		"plan":        ref("Plan"),
		"permissions": arraySchema(stringSchema("", "")),
		"rateLimit":   ref("RateLimit"),
		"expiresIn":   stringSchema("", "Lifetime such as \"30d\"; omit for no expiry."),
		"description": stringSchema("", ""),
		"metadata":    mapSchema(),
	}, "plan")

	s["APIKeyPatch"] = objectSchema(openapi3.Schemas{
		"plan":        ref("Plan"),
		"permissions": arraySchema(stringSchema("", "")),
		"rateLimit":   ref("RateLimit"),
		"status":      ref("KeyStatus"),
		"expiresAt":   stringSchema("date-time", "RFC 3339 timestamp, or null to clear."),
		"description": stringSchema("", ""),
		"metadata":    mapSchema(),
	})

	s["MeResponse"] = objectSchema(openapi3.Schemas{
		"principal":    ref("Principal"),
		"isLegacyAuth": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}},
		"rateLimitStatus": objectSchema(openapi3.Schemas{
			"limit":     intSchema(""),
			"remaining": intSchema(""),
			"resetAt":   stringSchema("date-time", ""),
		}),
	}, "principal", "isLegacyAuth")
}

func errorCodes() []string {
	return []string{
		"MISSING_CREDENTIAL", "INVALID_CREDENTIAL", "MALFORMED", "EXPIRED",
		"INVALID_STATE", "FORBIDDEN", "RATE_LIMITED", "STORE_UNAVAILABLE", "INTERNAL_ERROR",
		"BAD_REQUEST", "VALIDATION_ERROR", "NOT_FOUND", "CONFLICT", "INVALID_TRANSITION",
	}
}

// ---------------------------------------------------------------------------
// Paths
// ---------------------------------------------------------------------------

func addAuthPaths(doc *openapi3.T, opts Options) {
	doc.Paths.Set("/api/v1/auth/token", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"auth"},
			Summary:     "Exchange an API key for a token pair",
			Description: fmt.Sprintf("The key is read from the JSON body or the %s header. Throttled per client IP.", opts.APIKeyHeader),
			OperationID: "exchange_token",
			Security:    &openapi3.SecurityRequirements{},
			RequestBody: jsonBody("API key", objectSchema(openapi3.Schemas{
				"apiKey": stringSchema("", ""),
			}), false),
			Responses: newResponses("200", "Token pair", ref("TokenPair"), "400", "401", "403", "429", "503"),
		},
	})

	doc.Paths.Set("/api/v1/auth/refresh", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"auth"},
			Summary:     "Rotate a refresh token",
			OperationID: "refresh_token",
			Security:    &openapi3.SecurityRequirements{},
			RequestBody: jsonBody("Refresh token", objectSchema(openapi3.Schemas{
				"refreshToken": stringSchema("", ""),
			}, "refreshToken"), true),
			Responses: newResponses("200", "New token pair", ref("TokenPair"), "400", "401", "403", "503"),
		},
	})

	doc.Paths.Set("/api/v1/auth/me", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"auth"},
			Summary:     "Describe the authenticated caller",
			OperationID: "get_me",
			Security: &openapi3.SecurityRequirements{
				{"bearerAuth": {}},
				{"apiKey": {}},
			},
			Responses: newResponses("200", "Caller principal", ref("MeResponse"), "401", "403", "429", "503"),
		},
	})
}

func addAdminPaths(doc *openapi3.T) {
	adminSecurity := &openapi3.SecurityRequirements{
		{"adminSecret": {}},
		{"bearerAuth": {}},
		{"apiKey": {}},
	}
	keyIDParam := &openapi3.ParameterRef{
		Value: openapi3.NewPathParameter("keyId").
			WithDescription("API key id.").
			WithSchema(openapi3.NewStringSchema()),
	}

	listSchema := objectSchema(openapi3.Schemas{
		"resource": arraySchema(ref("APIKey")),
		"meta": objectSchema(openapi3.Schemas{
			"count": intSchema("Total keys matching the filter."),
		}),
	}, "resource")

	doc.Paths.Set("/api/v1/admin/keys", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"admin"},
			Summary:     "List API keys",
			OperationID: "list_keys",
			Security:    adminSecurity,
			Parameters: openapi3.Parameters{
				&openapi3.ParameterRef{Value: openapi3.NewQueryParameter("status").
					WithDescription("Only keys in this status.").
					WithSchema(openapi3.NewStringSchema().WithEnum("active", "revoked", "expired"))},
				&openapi3.ParameterRef{Value: openapi3.NewQueryParameter("limit").
					WithDescription("Maximum number of keys to return (1-1000).").
					WithSchema(openapi3.NewIntegerSchema())},
				&openapi3.ParameterRef{Value: openapi3.NewQueryParameter("offset").
					WithDescription("Number of keys to skip.").
					WithSchema(openapi3.NewIntegerSchema())},
			},
			Responses: newResponses("200", "API keys, newest first", listSchema, "400", "401", "403", "503"),
		},
		Post: &openapi3.Operation{
			Tags:        []string{"admin"},
			Summary:     "Create an API key",
			Description: "The plaintext key is only returned by this call.",
			OperationID: "create_key",
			Security:    adminSecurity,
			RequestBody: jsonBody("Key definition", ref("APIKeyCreate"), true),
			Responses:   newResponses("201", "Created key", ref("APIKey"), "400", "401", "403", "503"),
		},
	})

	doc.Paths.Set("/api/v1/admin/keys/{keyId}", &openapi3.PathItem{
		Parameters: openapi3.Parameters{keyIDParam},
		Get: &openapi3.Operation{
			Tags:        []string{"admin"},
			Summary:     "Get an API key",
			OperationID: "get_key",
			Security:    adminSecurity,
			Parameters: openapi3.Parameters{
				&openapi3.ParameterRef{Value: openapi3.NewQueryParameter("include_sensitive").
					WithDescription("Include the key fingerprint.").
					WithSchema(openapi3.NewBoolSchema())},
			},
			Responses: newResponses("200", "API key", ref("APIKey"), "401", "403", "404", "503"),
		},
		Patch: &openapi3.Operation{
			Tags:        []string{"admin"},
			Summary:     "Update an API key",
			OperationID: "update_key",
			Security:    adminSecurity,
			RequestBody: jsonBody("Fields to change", ref("APIKeyPatch"), true),
			Responses:   newResponses("200", "Updated key", ref("APIKey"), "400", "401", "403", "404", "409", "503"),
		},
		Delete: &openapi3.Operation{
			Tags:        []string{"admin"},
			Summary:     "Revoke an API key",
			OperationID: "revoke_key",
			Security:    adminSecurity,
			Responses: newResponses("200", "Revocation result", objectSchema(openapi3.Schemas{
				"keyId":   stringSchema("", ""),
				"revoked": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}},
			}, "keyId", "revoked"), "401", "403", "404", "503"),
		},
	})

	doc.Paths.Set("/api/v1/admin/keys/{keyId}/rotate", &openapi3.PathItem{
		Parameters: openapi3.Parameters{keyIDParam},
		Post: &openapi3.Operation{
			Tags:        []string{"admin"},
			Summary:     "Rotate an API key",
			Description: "Creates a replacement with the same plan and limits and revokes the original.",
			OperationID: "rotate_key",
			Security:    adminSecurity,
			Responses:   newResponses("201", "Replacement key", ref("APIKey"), "401", "403", "404", "409", "503"),
		},
	})

	doc.Paths.Set("/api/v1/admin/tokens", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"admin"},
			Summary:     "Issue a token pair",
			Description: "Issue for an existing key (keyId) or an arbitrary user identity (userId).",
			OperationID: "issue_token",
			Security:    adminSecurity,
			RequestBody: jsonBody("Token subject", objectSchema(openapi3.Schemas{
				"keyId":       stringSchema("", ""),
				"userId":      stringSchema("", ""),
				"email":       stringSchema("email", ""),
				"plan":        ref("Plan"),
				"permissions": arraySchema(stringSchema("", "")),
				"rateLimit":   ref("RateLimit"),
			}), true),
			Responses: newResponses("201", "Token pair", ref("TokenPair"), "400", "401", "403", "404", "409", "503"),
		},
	})
}

// ---------------------------------------------------------------------------
// Builders
// ---------------------------------------------------------------------------

// newResponses builds a Responses with the success response and the given
// error statuses, all sharing the ErrorResponse schema.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef, errorStatuses ...string) *openapi3.Responses {
	responses := &openapi3.Responses{}

	successDesc := description
	responses.Set(statusCode, &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &successDesc,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	})

	errorRef := ref("ErrorResponse")
	errorStatuses = append(errorStatuses, "500")
	sort.Strings(errorStatuses)
	for _, code := range errorStatuses {
		desc := errorDescriptions[code]
		responses.Set(code, &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: &desc,
				Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
			},
		})
	}
	return responses
}

func jsonBody(description string, schema *openapi3.SchemaRef, required bool) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{
		Value: &openapi3.RequestBody{
			Description: description,
			Required:    required,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	}
}

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func objectSchema(props openapi3.Schemas, required ...string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:       &openapi3.Types{"object"},
			Properties: props,
			Required:   required,
		},
	}
}

func arraySchema(items *openapi3.SchemaRef) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:  &openapi3.Types{"array"},
			Items: items,
		},
	}
}

func stringSchema(format, description string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:        &openapi3.Types{"string"},
			Format:      format,
			Description: description,
		},
	}
}

func intSchema(description string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:        &openapi3.Types{"integer"},
			Format:      "int32",
			Description: description,
		},
	}
}

func enumSchema(values ...string) *openapi3.SchemaRef {
	enum := make([]interface{}, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"string"},
			Enum: enum,
		},
	}
}

func mapSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			AdditionalProperties: openapi3.AdditionalProperties{
				Schema: &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
			},
		},
	}
}
