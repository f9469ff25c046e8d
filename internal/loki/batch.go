package loki

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mumzworld-tech/lambda-log-shipper/internal/record"
)

const typeLabel = "type"

type line struct {
	ts        int64 // unix nanoseconds
	message   string
	requestID string
}

// Batch turns drained records into a Loki push request. Records are grouped
// into one stream per record type, in order of first appearance.
type Batch struct {
	labels           map[string]string
	extractRequestID bool
	maxLineSize      int
	currentRequestID string
	now              func() time.Time

	order   []string
	streams map[string][]line
	count   int
}

// NewBatch creates a batch with the given static labels. maxLineSize <= 0
// disables splitting of long lines.
func NewBatch(labels map[string]string, extractRequestID bool, maxLineSize int) *Batch {
	return &Batch{
		labels:           labels,
		extractRequestID: extractRequestID,
		maxLineSize:      maxLineSize,
		now:              time.Now,
		streams:          make(map[string][]line),
	}
}

// WithRequestID seeds the request id for records that carry none, so lines
// of an invocation spanning several flushes keep their id.
func (b *Batch) WithRequestID(requestID string) *Batch {
	b.currentRequestID = requestID
	return b
}

// CurrentRequestID returns the request id in effect after the last Add
func (b *Batch) CurrentRequestID() string {
	return b.currentRequestID
}

// Add appends records in order
func (b *Batch) Add(records []record.LogRecord) {
	for _, rec := range records {
		requestID := rec.RequestID()
		if rec.Type == record.TypePlatformStart && requestID != "" {
			b.currentRequestID = requestID
		}
		if requestID == "" {
			requestID = b.currentRequestID
		}

		ts := rec.Time.UnixNano()
		if rec.Time.IsZero() {
			ts = b.now().UnixNano()
		}

		message := rec.Message()
		if rec.Type == record.TypeFunction {
			var prefixID string
			message, prefixID = stripLogPrefix(message)
			if requestID == "" {
				requestID = prefixID
			}
		}

		if b.maxLineSize > 0 && len(message) > b.maxLineSize {
			for i, chunk := range splitMessage(message, b.maxLineSize) {
				// Bump the timestamp so Loki keeps chunk order
				b.addLine(rec.Type, line{ts: ts + int64(i), message: chunk, requestID: requestID})
			}
		} else {
			b.addLine(rec.Type, line{ts: ts, message: message, requestID: requestID})
		}

		if rec.Type == record.TypePlatformEnd && requestID == b.currentRequestID {
			b.currentRequestID = ""
		}
	}
}

func (b *Batch) addLine(recType string, l line) {
	if _, ok := b.streams[recType]; !ok {
		b.order = append(b.order, recType)
	}
	b.streams[recType] = append(b.streams[recType], l)
	b.count++
}

// Len returns the number of lines in the batch
func (b *Batch) Len() int {
	return b.count
}

// ToPushRequest converts the batch to a Loki push request, nil when empty
func (b *Batch) ToPushRequest() *PushRequest {
	if b.count == 0 {
		return nil
	}

	streams := make([]Stream, 0, len(b.order))
	for _, recType := range b.order {
		streamLabels := make(map[string]string, len(b.labels)+1)
		for k, v := range b.labels {
			streamLabels[k] = v
		}
		streamLabels[typeLabel] = recType

		lines := b.streams[recType]
		values := make([][]string, len(lines))
		for i, l := range lines {
			message := l.message
			if b.extractRequestID {
				message = injectRequestID(message, l.requestID)
			}
			values[i] = []string{strconv.FormatInt(l.ts, 10), message}
		}

		streams = append(streams, Stream{
			Stream: streamLabels,
			Values: values,
		})
	}

	return &PushRequest{Streams: streams}
}

// injectRequestID embeds the request id into a line: as the first field of a
// JSON object, or as a prefix of plain text
func injectRequestID(message, requestID string) string {
	if requestID == "" {
		return message
	}

	trimmed := strings.TrimSpace(message)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		field, err := json.Marshal(requestID)
		if err != nil {
			return message
		}
		rest := strings.TrimSpace(trimmed[1:])
		if rest == "}" {
			return `{"request_id":` + string(field) + `}`
		}
		return `{"request_id":` + string(field) + `,` + rest
	}

	return fmt.Sprintf("[request_id=%s] %s", requestID, message)
}

// stripLogPrefix removes the "<time>\t<request id>\t<LEVEL>\t" prefix the
// Lambda runtimes put in front of structured console output, returning the
// JSON payload and the request id from the prefix
func stripLogPrefix(message string) (string, string) {
	parts := strings.SplitN(message, "\t", 4)
	if len(parts) != 4 || !strings.HasPrefix(parts[3], "{") {
		return message, ""
	}
	if _, err := time.Parse(time.RFC3339Nano, parts[0]); err != nil {
		return message, ""
	}
	return parts[3], parts[1]
}

// splitMessage splits a message into chunks of about maxSize bytes,
// each prefixed with a "[chunk i/n] " marker
func splitMessage(message string, maxSize int) []string {
	if len(message) <= maxSize {
		return []string{message}
	}

	// Reserve space for markers; "[chunk 999/999] " is 16 bytes
	markerReserve := 20
	effectiveSize := maxSize - markerReserve
	if effectiveSize < 100 {
		effectiveSize = 100
	}

	var parts []string
	for start := 0; start < len(message); {
		end := start + effectiveSize
		if end >= len(message) {
			end = len(message)
		} else {
			// Never cut inside a UTF-8 sequence
			for end > start+1 && !utf8.RuneStart(message[end]) {
				end--
			}
		}
		parts = append(parts, message[start:end])
		start = end
	}

	chunks := make([]string, len(parts))
	for i, part := range parts {
		chunks[i] = fmt.Sprintf("[chunk %d/%d] %s", i+1, len(parts), part)
	}
	return chunks
}
