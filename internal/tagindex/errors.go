package tagindex

import "errors"

// Sentinel causes wrapped into the package's returned errors; callers check
// with errors.Is against the shared isr.Err* values instead of these, but
// these name the specific validation failure for log messages.
var (
	errEmptyTag = errors.New("tag must not be empty")
	errEmptyKey = errors.New("key must not be empty")
)
