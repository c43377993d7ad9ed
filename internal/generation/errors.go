package generation

import "errors"

// Common errors returned by backends and the router
var (
	// ErrUnavailable is returned when a provider has no credential. It is
	// never retried; other providers are tried instead.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrQuotaExhausted is returned when a provider reports exhausted quota,
	// balance or rate limit. It triggers failover, not a task failure.
	ErrQuotaExhausted = errors.New("provider quota exhausted")

	// ErrTransportFailure is returned after the same provider failed every
	// attempt of its retry budget.
	ErrTransportFailure = errors.New("provider call failed")

	// ErrNoProviderAvailable is returned when no candidate has a credential.
	ErrNoProviderAvailable = errors.New("no provider available")

	// ErrAllProvidersExhausted is returned when every candidate failed.
	ErrAllProvidersExhausted = errors.New("all providers exhausted")

	// ErrInvalidResponse is returned when a provider answered but the
	// response carries no usable text.
	ErrInvalidResponse = errors.New("invalid response from language model")

	// ErrContentBlocked is returned when the provider blocked the content due to safety filters
	ErrContentBlocked = errors.New("content blocked by language model safety filters")

	// ErrInvalidConfig is returned when a backend configuration is invalid
	ErrInvalidConfig = errors.New("invalid backend configuration")
)
