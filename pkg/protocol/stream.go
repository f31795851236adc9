// Package protocol defines the wire contract between the bridge and the
// containerized agent process: the line-delimited JSON stream records an
// agent run emits on stdout, and the status values they carry.
package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Stream record status values.
const (
	StatusProgress = "progress" // progress update, not terminal
	StatusSuccess  = "success"  // turn finished, Result holds the reply text; the run continues
	StatusError    = "error"    // Error holds the failure reason; the run continues until stdout closes
)

// ResultText is the record's result payload. The wire allows a string, an
// arbitrary JSON object, or null; anything non-string is kept as its
// compact JSON encoding so the router can still surface it as text.
type ResultText string

func (r *ResultText) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if data[0] == '"' {
		s, err := strconv.Unquote(string(data))
		if err != nil {
			var s2 string
			if err := json.Unmarshal(data, &s2); err != nil {
				return err
			}
			s = s2
		}
		*r = ResultText(s)
		return nil
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return err
	}
	*r = ResultText(compact.String())
	return nil
}

// StreamRecord is one line of the newline-delimited JSON stream an agent
// process writes to stdout. Unrecognized fields are ignored. A success
// record does not end the run: the agent stays alive for further piped
// input until its stdin closes.
type StreamRecord struct {
	Status       string     `json:"status"`
	Result       ResultText `json:"result,omitempty"`
	NewSessionID string     `json:"newSessionId,omitempty"`
	Error        string     `json:"error,omitempty"`
}
