package fixtures

import (
	_ "embed"
)

//go:embed config/config.yaml.template
var ConfigTemplate []byte

// TuningDefaults is the curated shape-signature table consulted when the
// persistent tuning store has no entry.
//
//go:embed tuning/defaults.yaml
var TuningDefaults []byte
