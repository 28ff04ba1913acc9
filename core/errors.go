package core

import "errors"

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrForbidden        = errors.New("forbidden")
	ErrMalformedRequest = errors.New("malformed request")
	ErrStorage          = errors.New("storage error")
	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidGrant     = errors.New("invalid grant")
)
