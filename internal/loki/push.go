package loki

import (
	"sort"
	"strconv"
	"strings"
)

// PushRequest is the JSON body of the /loki/api/v1/push endpoint.
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream carries all values of one label set. Values are
// [timestamp_ns, line] pairs.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// LineCount returns the total number of values across all streams.
func (r PushRequest) LineCount() int {
	total := 0
	for _, s := range r.Streams {
		total += len(s.Values)
	}
	return total
}

// BuildPushRequest groups lines by label set. Streams keep the order in
// which their label set first appeared and values keep input order.
// Timestamps are not resorted.
func BuildPushRequest(lines []Line) PushRequest {
	index := make(map[string]int, len(lines))
	streams := make([]Stream, 0)

	for _, line := range lines {
		key := LabelsKey(line.Labels)
		i, ok := index[key]
		if !ok {
			i = len(streams)
			index[key] = i
			streams = append(streams, Stream{Stream: line.Labels})
		}
		streams[i].Values = append(streams[i].Values, [2]string{line.Timestamp, line.Payload})
	}

	return PushRequest{Streams: streams}
}

// LabelsKey renders labels in the canonical {k="v", ...} form with sorted
// keys, so equal label sets produce equal keys. Keys that are not valid
// label names are quoted, keeping distinct sets apart.
func LabelsKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		if validLabelName(k) {
			b.WriteString(k)
		} else {
			b.WriteString(strconv.Quote(k))
		}
		b.WriteByte('=')
		b.WriteString(strconv.Quote(labels[k]))
	}
	b.WriteByte('}')
	return b.String()
}

func validLabelName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
