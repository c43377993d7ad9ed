// Package gemini provides an implementation of the generation.Backend
// interface on top of Google's Gemini API (google.golang.org/genai).
//
// The backend sends a single text prompt per call and returns the
// concatenated text parts of the first candidate. Responses stopped by the
// safety filters, or carrying no text at all, are reported as errors so the
// router treats them like any other failed call. Retries and failover are
// not handled here.
package gemini
