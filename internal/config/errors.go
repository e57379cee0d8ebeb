package config

import "errors"

// ErrInvalidConfig is returned by Config.Validate for an unusable
// configuration.
var ErrInvalidConfig = errors.New("invalid stream config")
