package common

import "errors"

// ErrNoCredential is returned by credential stores holding no token.
var ErrNoCredential = errors.New("no credential")
