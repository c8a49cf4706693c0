package l2

import "errors"

var (
	errMissingBody = errors.New("l2: entry hash missing body field")
	errBadHeaders  = errors.New("l2: entry headers field is not a valid header map")
	errBadChecksum = errors.New("l2: stored checksum does not match body")
)
