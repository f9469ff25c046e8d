package loki

// PushRequest is the Loki push API request body
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is one labelled log stream; each value is [nanosecond timestamp, line]
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// Len returns the number of lines across all streams
func (p *PushRequest) Len() int {
	if p == nil {
		return 0
	}
	n := 0
	for _, s := range p.Streams {
		n += len(s.Values)
	}
	return n
}
