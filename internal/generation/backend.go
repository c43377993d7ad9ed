package generation

import "context"

// ProviderDescriptor is the static identity of a backend.
type ProviderDescriptor struct {
	// Name is the configured provider name used in priority lists and logs.
	Name string `json:"name"`

	// Endpoint identifies the service and model, e.g. "gemini:gemini-1.5-pro".
	Endpoint string `json:"endpoint"`

	// HasCredential reports whether an API key is configured.
	HasCredential bool `json:"has_credential"`
}

// Available reports whether the provider can be called at all.
func (d ProviderDescriptor) Available() bool {
	return d.HasCredential
}

// Backend is one text-generation service.
type Backend interface {
	// Descriptor returns the backend's static identity.
	Descriptor() ProviderDescriptor

	// Call sends request and returns the model's text response. It returns
	// ErrUnavailable without any network traffic when the backend has no
	// credential. Other failures are returned as-is so the Classifier can
	// inspect their text.
	Call(ctx context.Context, request string) (string, error)
}
