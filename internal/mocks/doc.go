// Package mocks provides centralized mock implementations for testing.
//
// Instead of defining inline fakes in individual test files, the router,
// repair and scheduler tests share these scripted implementations so that
// call counting and concurrency safety behave the same everywhere.
//
// Usage:
//
//	backend := mocks.NewMockBackend("gemini", true)
//	backend.Responses = []mocks.Response{
//	    {Err: errors.New("status 503")},
//	    {Text: `{"final_answer":"A"}`},
//	}
package mocks
