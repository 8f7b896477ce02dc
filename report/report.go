// Package report defines delivery backends for reload scan reports.
package report

import (
	"context"
	"encoding/json"

	"github.com/hazyhaar/modwatch/reload"
)

// Sink is the delivery interface. Implementations push scan reports to
// different backends (stdout, webhook, websocket stream, in-process
// callback).
type Sink interface {
	Send(ctx context.Context, r *reload.Report) error
	Close() error
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// MarshalEnvelope encodes a report in the wire envelope every sink shares:
// {"type":"scan_report","data":{...}}.
func MarshalEnvelope(r *reload.Report) ([]byte, error) {
	return json.Marshal(envelope{Type: "scan_report", Data: r})
}
