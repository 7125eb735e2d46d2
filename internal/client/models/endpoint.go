// Package models defines the value types shared by the client core: endpoint
// descriptors consumed from the API catalog and the offline queue record.
package models

// Method is the HTTP method of an endpoint. Only the four verbs used by
// the API catalog are supported.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
)

// Valid reports whether m is one of the supported verbs.
func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodDelete:
		return true
	}
	return false
}

// Mutating reports whether m changes server state.
func (m Method) Mutating() bool {
	return m == MethodPost || m == MethodPut || m == MethodDelete
}

// NeedsBody reports whether requests with this method always carry a body;
// an empty JSON object is sent when the caller supplies none.
func (m Method) NeedsBody() bool {
	return m == MethodPost || m == MethodPut
}

// Endpoint describes one API operation as published by the endpoint catalog.
type Endpoint struct {
	Path         string
	Method       Method
	RequiresAuth bool
}
