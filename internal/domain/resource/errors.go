package resource

import "errors"

var (
	// ErrNotFound is returned when the catalog has no such resource.
	ErrNotFound = errors.New("resource not found")

	// ErrCatalogUnavailable is returned when the upstream catalog is
	// unreachable and no usable snapshot exists for the call.
	ErrCatalogUnavailable = errors.New("resource catalog unavailable")
)
