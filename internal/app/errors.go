package service

import "errors"

// ErrNilConfig is returned by New when no configuration is supplied.
var ErrNilConfig = errors.New("service config is nil")
