package configuration

import (
	_ "embed"
)

// DefaultConfig is the YAML every user supplied config is merged on top of.
//
//go:embed config.yaml
var DefaultConfig []byte
