// Package generation defines the boundary between the engine and external
// LLM text-generation services. A Backend turns a request string into a
// response string; everything provider-specific (wire format, credentials,
// safety handling) lives behind it in internal/platform.
//
// The package also owns the error taxonomy shared by the router and the
// repair loop, and the Classifier that maps arbitrary backend errors onto
// the three outcomes the router acts on. Keyword heuristics over error text
// live in the Classifier and nowhere else.
package generation
