// Package redact scrubs credentials from strings before they are logged.
// Provider backends sometimes echo request headers or keys back inside error
// bodies; everything that reaches the log stream from a backend goes through
// Error or String first.
package redact

import (
	"regexp"
	"sync"
)

// Constants for redaction placeholders
const (
	RedactionPlaceholder          = "[REDACTED]"
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
)

// Precompiled regex patterns
var (
	// Connection strings with embedded userinfo
	connRegex = regexp.MustCompile(`(?i)[a-z][a-z0-9+.-]*://[^/@\s]+:[^/@\s]+@`)

	// Credentials and tokens
	passwordRegex = regexp.MustCompile(`(?i)(password|passwd|pwd)([=:\s]?['"]?)[^'"&\s]{3,}`)
	bearerRegex   = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-.~+/=]{8,}`)
	apiKeyRegex   = regexp.MustCompile(
		`(?i)(api[_-]?key|x-api-key|x-goog-api-key|token|secret|key)(['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`,
	)

	// Provider key formats that may appear without a label
	openAIKeyRegex = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}`)
	googleKeyRegex = regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{20,}`)
	awsKeyRegex    = regexp.MustCompile(`\bAKIA[A-Z0-9]{12,}`)
	jwtTokenRegex  = regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`)

	// Order matters: labelled forms first so the label survives.
	patterns = []*regexp.Regexp{
		connRegex, passwordRegex, bearerRegex, apiKeyRegex,
		openAIKeyRegex, googleKeyRegex, awsKeyRegex, jwtTokenRegex,
	}

	patternPlaceholders = map[*regexp.Regexp]string{
		connRegex:      RedactedCredentialPlaceholder,
		passwordRegex:  RedactedCredentialPlaceholder,
		bearerRegex:    RedactedCredentialPlaceholder,
		apiKeyRegex:    RedactedKeyPlaceholder,
		openAIKeyRegex: RedactedKeyPlaceholder,
		googleKeyRegex: RedactedKeyPlaceholder,
		awsKeyRegex:    RedactedKeyPlaceholder,
		jwtTokenRegex:  "[REDACTED_JWT]",
	}

	mu sync.RWMutex
)

// String redacts sensitive information from the input string
func String(input string) string {
	if input == "" {
		return input
	}

	mu.RLock()
	defer mu.RUnlock()

	result := input
	for _, pattern := range patterns {
		placeholder := RedactionPlaceholder
		if ph, ok := patternPlaceholders[pattern]; ok {
			placeholder = ph
		}
		result = pattern.ReplaceAllString(result, placeholder)
	}

	return result
}

// Error redacts sensitive information from an error's Error() output
func Error(err error) string {
	if err == nil {
		return ""
	}

	return String(err.Error())
}
