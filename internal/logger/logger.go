package logger

import (
	"go.uber.org/zap"
)

// New builds a production zap logger at the given verbosity. An empty encoding
// keeps zap's JSON encoder; "console" is what the CLI uses.
func New(verbosity, encoding string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	if encoding != "" {
		config.Encoding = encoding
	}
	// Tuning and dispatch logs are bursty; sampling would drop the winner lines.
	config.Sampling = nil
	return config.Build()
}
