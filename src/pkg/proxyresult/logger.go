package proxyresult

import (
	"fmt"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
)

// retryableHTTPLogrusWrapper routes retryablehttp logs through logrus
type retryableHTTPLogrusWrapper struct {
	logger *log.Entry
}

var _ retryablehttp.LeveledLogger = &retryableHTTPLogrusWrapper{}

func (w *retryableHTTPLogrusWrapper) fields(keysAndValues []interface{}) *log.Entry {
	fields := log.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return w.logger.WithFields(fields)
}

func (w *retryableHTTPLogrusWrapper) Error(msg string, keysAndValues ...interface{}) {
	w.fields(keysAndValues).Error(msg)
}

func (w *retryableHTTPLogrusWrapper) Info(msg string, keysAndValues ...interface{}) {
	w.fields(keysAndValues).Info(msg)
}

// Debug is demoted to trace, retryablehttp logs every request at debug level
func (w *retryableHTTPLogrusWrapper) Debug(msg string, keysAndValues ...interface{}) {
	w.fields(keysAndValues).Trace(msg)
}

func (w *retryableHTTPLogrusWrapper) Warn(msg string, keysAndValues ...interface{}) {
	w.fields(keysAndValues).Warn(msg)
}
