// Package audit implements the Audit Sink (spec component C7): a bounded
// write queue draining into a monthly-rotating embedded SQLite file.
package audit

import "time"

// CallRecord is the durable audit row for one inbound request, appended
// exactly once regardless of how many upstream attempts it took.
type CallRecord struct {
	Timestamp        time.Time
	RequestID        string
	ClientIP         string
	ModelRequested   string
	ModelServed      string // final backend name, empty if none was reached
	Endpoint         string
	PromptDigest     string
	CompletionText   string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	IsMultimodal     bool
	IsToolCall       bool
	LatencyMS        int64
	RetryPath        []string // stored as a comma-joined string
	FinalStatus      string
}
