package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// EmptyDecodable is implemented by response types for which an empty or
// null body is a valid, empty value. Any other type treats such a body as
// a decoding error.
type EmptyDecodable interface {
	SetEmpty()
}

// List is a collection response. An empty or null body decodes to an empty
// list.
type List[E any] []E

func (l *List[E]) SetEmpty() { *l = List[E]{} }

var errEmptyBody = errors.New("empty body")

func decode(body []byte, out any) error {
	if out == nil {
		return nil
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if e, ok := out.(EmptyDecodable); ok {
			e.SetEmpty()
			return nil
		}
		return &DecodingError{Err: errEmptyBody}
	}

	if err := json.Unmarshal(trimmed, out); err != nil {
		return &DecodingError{Err: err}
	}
	return nil
}

type errorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// statusError maps a non-2xx response to *ServerError when the body holds a
// structured message and to *HTTPError otherwise.
func statusError(status int, body []byte) error {
	var p errorPayload
	if err := json.Unmarshal(body, &p); err == nil {
		msg := strings.TrimSpace(p.Message)
		if msg == "" {
			msg = strings.TrimSpace(p.Error)
		}
		if msg != "" {
			return &ServerError{StatusCode: status, Message: msg}
		}
	}
	return &HTTPError{StatusCode: status, Body: body}
}

func retryableStatus(status int) bool {
	return status >= 500 && status < 600 && status != http.StatusNotImplemented
}

func successStatus(status int) bool {
	return status >= 200 && status < 300
}
