// Package accesslog shapes one HTTP request/response pair into the
// ASIM-like WebSession record used throughout the original Python service's
// logging (asim_formatter.py), translated here into zerolog fields instead
// of a logging.Formatter.
package accesslog

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	schema        = "WebSession"
	schemaVersion = "0.2.6"
	eventType     = "HTTPsession"
)

// traceHeaders lists the headers whose values are surfaced under
// AdditionalFields.TraceHeaders, matching the env-configurable
// DLFA_TRACE_HEADERS default in asim_formatter.py.
var traceHeaders = []string{"X-Amzn-Trace-Id"}

// Record is assembled once per request and emitted at request end via Log.
type Record struct {
	Start   time.Time
	End     time.Time
	Version string

	Method      string
	URL         string
	URLOriginal string
	HTTPVersion string
	ContentType string
	ContentFormat string
	Referrer    string
	UserAgent   string
	XFF         string
	Host        string

	StatusCode         int
	ContentDisposition string

	// Level is the log level this record is emitted at, matching the
	// logger.info/warning/error call the original makes for the request's
	// outcome; EventSeverity and EventOriginalSeverity are both derived from
	// it, never from StatusCode directly.
	Level zerolog.Level

	RequestID string

	TraceHeaderValues map[string]string
}

// severity mirrors asim_formatter.py's _get_event_severity map, keyed by log
// level rather than HTTP status.
func severity(level zerolog.Level) string {
	switch level {
	case zerolog.WarnLevel:
		return "Low"
	case zerolog.ErrorLevel:
		return "Medium"
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return "High"
	default:
		return "Informational"
	}
}

// levelName renders level the way Python's logging.LogRecord.levelname does,
// since EventOriginalSeverity carries that literal name, not Go's lowercase
// zerolog spelling.
func levelName(level zerolog.Level) string {
	switch level {
	case zerolog.DebugLevel:
		return "DEBUG"
	case zerolog.WarnLevel:
		return "WARNING"
	case zerolog.ErrorLevel:
		return "ERROR"
	case zerolog.FatalLevel, zerolog.PanicLevel:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

// result mirrors _get_event_result: anything below 400 is a success.
func result(status int) string {
	if status < 400 {
		return "Success"
	}
	return "Failure"
}

// fileName mirrors _get_file_name, which pulls a filename= parameter out of
// Content-Disposition when present, defaulting to "N/A" to match the
// original formatter.
func fileName(contentDisposition string) string {
	if contentDisposition == "" {
		return "N/A"
	}
	for _, part := range strings.Split(contentDisposition, ";") {
		part = strings.TrimSpace(part)
		if name, ok := strings.CutPrefix(part, "filename="); ok {
			return strings.Trim(name, `"`)
		}
	}
	return "N/A"
}

// Log writes one structured line shaped like the ASIM WebSession schema.
func (r Record) Log(logger *zerolog.Logger) {
	ev := logger.WithLevel(r.Level)
	ev = ev.Str("EventMessage", "HTTP request processed").
		Int("EventCount", 1).
		Str("EventStartTime", r.Start.UTC().Format(time.RFC3339Nano)).
		Str("EventEndTime", r.End.UTC().Format(time.RFC3339Nano)).
		Str("EventType", eventType).
		Str("EventSeverity", severity(r.Level)).
		Str("EventOriginalSeverity", levelName(r.Level)).
		Str("EventSchema", schema).
		Str("EventSchemaVersion", schemaVersion).
		Str("IpFilterVersion", r.Version).
		Str("RequestId", r.RequestID).
		Str("Url", r.URL).
		Str("UrlOriginal", r.URLOriginal).
		Str("HttpVersion", r.HTTPVersion).
		Str("HttpRequestMethod", r.Method).
		Str("HttpContentType", r.ContentType).
		Str("HttpContentFormat", r.ContentFormat).
		Str("HttpReferrer", r.Referrer).
		Str("HttpUserAgent", r.UserAgent).
		Str("HttpRequestXff", r.XFF).
		Str("HttpResponseTime", "N/A").
		Str("HttpHost", r.Host).
		Str("EventResult", result(r.StatusCode)).
		Int("EventResultDetails", r.StatusCode).
		Int("HttpStatusCode", r.StatusCode).
		Str("FileName", fileName(r.ContentDisposition))

	if len(r.TraceHeaderValues) > 0 {
		trace := zerolog.Dict()
		for _, h := range traceHeaders {
			if v, ok := r.TraceHeaderValues[h]; ok {
				trace.Str(h, v)
			}
		}
		ev = ev.Dict("AdditionalFields", zerolog.Dict().Dict("TraceHeaders", trace))
	}

	ev.Send()
}

// TraceHeaderNames exposes the configured trace header set so the server
// knows which incoming headers to capture into TraceHeaderValues.
func TraceHeaderNames() []string {
	return traceHeaders
}
