// Package record decodes single Lambda Logs API events into LogRecords.
package record

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fastjson"
)

// Event types pushed by the Logs API
const (
	TypeFunction            = "function"
	TypeExtension           = "extension"
	TypePlatformStart       = "platform.start"
	TypePlatformEnd         = "platform.end"
	TypePlatformReport      = "platform.report"
	TypePlatformRuntimeDone = "platform.runtimeDone"
)

//go:embed schema/log-event.json
var eventSchemaJSON []byte
var eventSchema *jsonschema.Schema

var requestIDRegex = regexp.MustCompile(`(?i)RequestId:\s*([a-f0-9-]+)`)

func init() {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource("log-event.json", bytes.NewReader(eventSchemaJSON)); err != nil {
		log.WithError(err).Panic("error adding log event schema resource")
	}

	var err error
	eventSchema, err = compiler.Compile("log-event.json")
	if err != nil {
		log.WithError(err).Panic("error compiling log event schema")
	}
}

// LogRecord is one decoded telemetry event. All fields are comparable, so
// two records parsed from the same input are equal with ==.
type LogRecord struct {
	Type string
	// Time is in UTC; zero when the event carried no timestamp
	Time time.Time
	// Record holds string payloads verbatim and structured payloads as compact JSON
	Record     string
	Structured bool
}

type rawEvent struct {
	Time   string          `json:"time"`
	Type   string          `json:"type"`
	Record json.RawMessage `json:"record"`
}

// Parse decodes one raw event object. It never returns a partial record:
// on failure the returned LogRecord is the zero value and err is a *DecodeError.
func Parse(raw []byte) (LogRecord, error) {
	if !json.Valid(raw) {
		return LogRecord{}, &DecodeError{Kind: KindInvalidEncoding, Err: errors.New("not a well-formed JSON value")}
	}

	// Numbers stay json.Number so any well-formed literal reaches validation
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return LogRecord{}, &DecodeError{Kind: KindInvalidEncoding, Err: err}
	}

	if err := eventSchema.Validate(doc); err != nil {
		return LogRecord{}, malformed("schema validation error: %w", err)
	}

	var ev rawEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return LogRecord{}, malformed("unexpected event shape: %w", err)
	}

	rec := LogRecord{Type: ev.Type}

	if ev.Time != "" {
		ts, err := time.Parse(time.RFC3339Nano, ev.Time)
		if err != nil {
			return LogRecord{}, malformed("invalid time %q: %w", ev.Time, err)
		}
		rec.Time = ts.UTC()
	}

	var text string
	if err := json.Unmarshal(ev.Record, &text); err == nil {
		rec.Record = text
		return rec, nil
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, ev.Record); err != nil {
		return LogRecord{}, malformed("invalid record payload: %w", err)
	}
	rec.Record = compact.String()
	rec.Structured = true

	return rec, nil
}

// Equal reports whether two records hold the same event
func (r LogRecord) Equal(o LogRecord) bool {
	return r.Type == o.Type && r.Time.Equal(o.Time) && r.Record == o.Record && r.Structured == o.Structured
}

// Message returns the payload as a single log line
func (r LogRecord) Message() string {
	if r.Structured {
		return r.Record
	}
	return strings.TrimSpace(r.Record)
}

// RequestID returns the invocation request id carried by the record, if any.
// Platform events carry it as a "requestId" field; function output lines
// such as "START RequestId: ..." carry it in the text.
func (r LogRecord) RequestID() string {
	if r.Structured {
		return fastjson.GetString([]byte(r.Record), "requestId")
	}
	if matches := requestIDRegex.FindStringSubmatch(r.Record); len(matches) >= 2 {
		return matches[1]
	}
	return ""
}

// Size returns the approximate byte size of the record
func (r LogRecord) Size() int {
	return len(r.Type) + len(r.Record) + 8 // 8 bytes for timestamp
}
