// Package log builds the gateway's single structured logger. One
// *zap.Logger is constructed at startup and threaded through every
// component via constructor injection; nothing in this module reaches
// for a package-level global.
package log

import "go.uber.org/zap"

// New builds a production zap.Logger, or a development logger (console
// encoding, debug level) when dev is true.
func New(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// RequestFields returns the request_id and tool fields for a
// request-scoped log line.
func RequestFields(requestID, tool string) []zap.Field {
	return []zap.Field{
		zap.String("request_id", requestID),
		zap.String("tool", tool),
	}
}
