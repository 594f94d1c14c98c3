package feedtrigger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PushMessage is a Pub/Sub push delivery.
type PushMessage struct {
	Message struct {
		// Data is base64 in the JSON payload; encoding/json decodes it.
		Data       []byte            `json:"data,omitempty"`
		Attributes map[string]string `json:"attributes,omitempty"`
		MessageID  string            `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DecodePushMessage decodes a Pub/Sub push body.
func DecodePushMessage(body []byte) (*PushMessage, error) {
	var msg PushMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("json.Unmarshal: %v", err)
	}
	if len(msg.Message.Data) == 0 {
		return nil, fmt.Errorf("message %q carries no data", msg.Message.MessageID)
	}
	return &msg, nil
}

// notification is the transfer run that the Data Transfer Service publishes
// when a scheduled query finishes.
type notification struct {
	Params struct {
		DestinationTableNameTemplate string `json:"destination_table_name_template"`
	} `json:"params"`
	RunTime string `json:"runTime"`
	State   string `json:"state"`
}

// Event identifies the accounts and the day a finished scheduled query
// produced data for.
type Event struct {
	TableTemplate string
	RunTime       time.Time
	// State of the scheduled query run; empty if not reported.
	State string

	MerchantID string
	AdsID      string
	// RunDate is RunTime in UTC formatted as YYYYMMDD.
	RunDate string
}

// Succeeded reports whether the run did not report a failure.
func (e *Event) Succeeded() bool {
	return e.State == "" || e.State == "SUCCEEDED"
}

// ParseEvent decodes a scheduled query notification. The destination table
// name template is expected to look like <prefix>_<merchant id>_<ads id>[_...].
func ParseEvent(data []byte) (*Event, error) {
	var n notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("json.Unmarshal: %v", err)
	}
	tmpl := n.Params.DestinationTableNameTemplate
	parts := strings.Split(tmpl, "_")
	if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
		return nil, fmt.Errorf("destination table name template %q has no account ids", tmpl)
	}
	if n.RunTime == "" {
		return nil, fmt.Errorf("notification for %q has no runTime", tmpl)
	}
	rt, err := time.Parse(time.RFC3339, n.RunTime)
	if err != nil {
		return nil, fmt.Errorf("bad runTime %q: %v", n.RunTime, err)
	}
	return &Event{
		TableTemplate: tmpl,
		RunTime:       rt,
		State:         n.State,
		MerchantID:    parts[1],
		AdsID:         parts[2],
		RunDate:       rt.UTC().Format("20060102"),
	}, nil
}
