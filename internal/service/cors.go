package service

import "github.com/go-chi/cors"

// CORSOptions is the preflight policy shared by every route. The allowed
// headers include the credential headers the Authenticator reads.
func CORSOptions(origins []string, apiKeyHeader, adminSecretHeader string) cors.Options {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	if apiKeyHeader == "" {
		apiKeyHeader = DefaultAPIKeyHeader
	}
	if adminSecretHeader == "" {
		adminSecretHeader = DefaultAdminSecretHeader
	}
	return cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", apiKeyHeader, adminSecretHeader, "X-Request-ID"},
		ExposedHeaders: []string{
			"X-Request-ID", "Retry-After",
			"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset",
		},
		AllowCredentials: false,
		MaxAge:           300,
	}
}
