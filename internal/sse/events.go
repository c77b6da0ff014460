package sse

import (
	"bytes"
	"encoding/json"
)

// SchemaVersion is advertised in the hello event and bumped on any breaking
// change to frame payload shapes.
const SchemaVersion = 2

// Event types on the wire.
const (
	TypeHello            = "hello"
	TypeFullSnapshot     = "full_snapshot"
	TypePanelUpdate      = "panel_update"
	TypePanelDiff        = "panel_diff"
	TypeStructuredUpdate = "panel_update_structured"
	TypeHeartbeat        = "heartbeat"
	TypeBye              = "bye"
)

// Event is one SSE frame before wire encoding.
type Event struct {
	Type  string
	Panel string // panel-scoped events only
	Cycle int64
	Data  json.RawMessage
}

// Encode renders the frame as `event: <type>\ndata: <json>\n\n`.
func (e Event) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString("event: ")
	buf.WriteString(e.Type)
	buf.WriteString("\ndata: ")
	if len(e.Data) > 0 {
		buf.Write(e.Data)
	} else {
		buf.WriteString("{}")
	}
	buf.WriteString("\n\n")
	return buf.Bytes()
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// HelloPayload opens every connection.
type HelloPayload struct {
	SchemaVersion int               `json:"schema_version"`
	PanelHashes   map[string]string `json:"panel_hashes"`
}

// ChangedLine is one line-level edit in a structured update.
type ChangedLine struct {
	Index int    `json:"index"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// StructuredUpdate describes one panel's line diff.
type StructuredUpdate struct {
	Panel        string        `json:"panel"`
	Hash         string        `json:"hash"`
	Added        int           `json:"added"`
	Removed      int           `json:"removed"`
	ChangedLines []ChangedLine `json:"changed_lines"`
	TotalLines   int           `json:"total_lines"`
}

// StructuredPayload is the panel_update_structured data field.
type StructuredPayload struct {
	Cycle   int64              `json:"cycle"`
	Updates []StructuredUpdate `json:"updates"`
}

// DiffLines compares two rendered panel bodies line by line. changes_count
// is added + removed + changed; callers fall back to a plain update when it
// exceeds their configured cap.
func DiffLines(oldBody, newBody []byte) (changed []ChangedLine, added, removed, total int) {
	oldLines := splitLines(oldBody)
	newLines := splitLines(newBody)
	total = len(newLines)

	n := len(oldLines)
	if len(newLines) < n {
		n = len(newLines)
	}
	for i := 0; i < n; i++ {
		if oldLines[i] != newLines[i] {
			changed = append(changed, ChangedLine{Index: i, Old: oldLines[i], New: newLines[i]})
		}
	}
	if len(newLines) > n {
		added = len(newLines) - n
	}
	if len(oldLines) > n {
		removed = len(oldLines) - n
	}
	return changed, added, removed, total
}

func splitLines(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	parts := bytes.Split(b, []byte("\n"))
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}
