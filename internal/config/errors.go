package config

import "errors"

// ErrInvalid is returned when a configuration value fails validation.
var ErrInvalid = errors.New("invalid configuration")

// ErrExists is returned when WriteFile would overwrite an existing file.
var ErrExists = errors.New("config file already exists")
