// Package config loads runtime configuration for the client core.
//
// Sources & precedence
//
//  1. Environment profile defaults (see (*Config).LoadDefaults). The profile
//     comes from -e, the JSON "environment" field, APICORE_ENV, or falls back
//     to development.
//  2. Optional JSON file selected via -c/-config or APICORE_CONFIG.
//  3. APICORE_DEVICE_SECRET for the credential encryption secret.
//  4. Command-line flags, which override earlier values.
//
// After loading, Normalize forces pinning on in production and Validate
// checks the result with go-playground/validator.
//
// # Profiles
//
//	development  timeout 60s  retries 2  pinning not enforced
//	staging      timeout 45s  retries 3  pinning enforced
//	production   timeout 30s  retries 3  pinning always enforced
//
// # JSON schema
//
// Durations use timex.Duration, so values can be strings like "30s" or
// integer nanoseconds:
//
//	{
//	  "environment": "staging",
//	  "base_url": "https://staging-api.apicore.app",
//	  "request_timeout": "45s",
//	  "max_retry_attempts": 3,
//	  "queueable_endpoints": ["/api/v1/chat/send"],
//	  "queue_max_age": "24h"
//	}
package config
