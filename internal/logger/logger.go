// Package logger configures logrus for the docket binaries and forwards
// terminal failures to Sentry when a hub is configured.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
)

// Init sets the level and formatter of the standard logrus logger. Output
// goes to w (stderr in the CLI) so stdout stays machine readable. An
// unknown level falls back to info and is reported.
func Init(level string, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	log.SetOutput(w)
	log.SetFormatter(&log.TextFormatter{
		DisableQuote:    true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		log.SetLevel(log.InfoLevel)
		log.Warnf("invalid log level %q, defaulting to info", level)
		return
	}
	log.SetLevel(lvl)
}

// LogError logs err with the calling function and file position attached.
func LogError(err error, functionName string, additionalFields ...map[string]interface{}) {
	if err == nil {
		return
	}

	fields := log.Fields{
		"error":    err.Error(),
		"function": functionName,
	}
	if _, file, line, ok := runtime.Caller(1); ok {
		fields["file"] = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	if len(additionalFields) > 0 {
		for k, v := range additionalFields[0] {
			fields[k] = v
		}
	}

	log.WithFields(fields).Error(err.Error())
}

// LogAndCapture logs err and, when hub is non-nil, reports it to Sentry.
func LogAndCapture(hub *sentry.Hub, err error, context string, additionalFields ...map[string]interface{}) {
	LogError(err, context, additionalFields...)

	if hub != nil {
		hub.WithScope(func(scope *sentry.Scope) {
			scope.SetExtra("context", context)
			if len(additionalFields) > 0 {
				for k, v := range additionalFields[0] {
					scope.SetExtra(k, v)
				}
			}
			hub.CaptureException(err)
		})
	}
}
