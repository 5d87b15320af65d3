/*

Package `zap` wraps Zap logging.

We use the convenience sugared logger with its structured logging api of
`Levelw(msg, kv ...)` functions, which matches the minimal `Logger`
interfaces that the daemon packages declare.

*/
package zap

import (
	"go.uber.org/zap"
)

type Logger = zap.SugaredLogger

func NewProduction() (*Logger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func NewDevelopment() (*Logger, error) {
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

// `NewProductionFile()` logs to stderr and appends to `path`, which is
// created if necessary.
func NewProductionFile(path string) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr", path}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func NewDevelopmentFile(path string) (*Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr", path}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
