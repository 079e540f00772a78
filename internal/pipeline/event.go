// Package pipeline defines the event representations that flow through the
// ingestion pipeline, from the raw capture envelope to the wire records
// published for columnar storage.
package pipeline

import (
	"strings"
	"time"

	"github.com/tidewave-analytics/tidewave/internal/pipeline/elements"
)

// Reserved property keys and event names understood by the pipeline.
const (
	EventSnapshot      = "$snapshot"
	EventGroupIdentify = "$groupidentify"

	PropElements  = "$elements"
	PropSet       = "$set"
	PropIP        = "$ip"
	PropGroups    = "$groups"
	PropGroupType = "$group_type"
	PropGroupKey  = "$group_key"
	PropGroupSet  = "$group_set"

	PropSessionID    = "$session_id"
	PropWindowID     = "$window_id"
	PropSnapshotData = "$snapshot_data"
)

// MaxGroupTypesPerTenant bounds the number of group-type slots per tenant.
// Index allocation is permanent, so the bound also caps the reserved
// $group_0..$group_N property keys and the outbound column triples.
const MaxGroupTypesPerTenant = 5

// ColumnarTimeLayout is the DateTime64 text form expected by the columnar
// store's Kafka table engine.
const ColumnarTimeLayout = "2006-01-02 15:04:05.000000"

// RawEvent is the capture envelope consumed from the raw events topic. It is
// immutable once handed to the pipeline except for property normalization
// performed during capture.
type RawEvent struct {
	UUID       string         `json:"uuid"`
	Event      string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	TeamID     int64          `json:"team_id"`
	IP         string         `json:"ip,omitempty"`
	Properties map[string]any `json:"properties"`
	Timestamp  *time.Time     `json:"timestamp,omitempty"`
}

// PreIngestionEvent is the sanitized, enriched form of a raw event, produced
// by the capture step and consumed by the finalize-and-publish steps. It is
// immutable after creation.
type PreIngestionEvent struct {
	EventUUID  string
	Event      string
	TeamID     int64
	DistinctID string
	Properties map[string]any
	Timestamp  time.Time
	Elements   []elements.Element
}

// PostIngestionEvent confirms a PreIngestionEvent was durably queued for the
// broker. It is the terminal representation returned to the caller.
type PostIngestionEvent struct {
	PreIngestionEvent
	QueuedAt time.Time
}

// OutboundRecord is the flattened wire record published on the events topic.
// Properties values are JSON-serialised strings, timestamps use the columnar
// DateTime64 text form, and up to MaxGroupTypesPerTenant group column triples
// are carried inline.
type OutboundRecord struct {
	UUID          string `json:"uuid"`
	Event         string `json:"event"`
	Properties    string `json:"properties"`
	Timestamp     string `json:"timestamp"`
	TeamID        int64  `json:"team_id"`
	DistinctID    string `json:"distinct_id"`
	ElementsChain string `json:"elements_chain"`
	CreatedAt     string `json:"created_at"`

	PersonID         string `json:"person_id,omitempty"`
	PersonProperties string `json:"person_properties,omitempty"`
	PersonCreatedAt  string `json:"person_created_at,omitempty"`

	Group0Key        string `json:"group0_key,omitempty"`
	Group0Properties string `json:"group0_properties,omitempty"`
	Group0CreatedAt  string `json:"group0_created_at,omitempty"`
	Group1Key        string `json:"group1_key,omitempty"`
	Group1Properties string `json:"group1_properties,omitempty"`
	Group1CreatedAt  string `json:"group1_created_at,omitempty"`
	Group2Key        string `json:"group2_key,omitempty"`
	Group2Properties string `json:"group2_properties,omitempty"`
	Group2CreatedAt  string `json:"group2_created_at,omitempty"`
	Group3Key        string `json:"group3_key,omitempty"`
	Group3Properties string `json:"group3_properties,omitempty"`
	Group3CreatedAt  string `json:"group3_created_at,omitempty"`
	Group4Key        string `json:"group4_key,omitempty"`
	Group4Properties string `json:"group4_properties,omitempty"`
	Group4CreatedAt  string `json:"group4_created_at,omitempty"`
}

// SetGroupColumns fills the group column triple at the given slot index.
func (r *OutboundRecord) SetGroupColumns(index int, key, properties, createdAt string) {
	switch index {
	case 0:
		r.Group0Key, r.Group0Properties, r.Group0CreatedAt = key, properties, createdAt
	case 1:
		r.Group1Key, r.Group1Properties, r.Group1CreatedAt = key, properties, createdAt
	case 2:
		r.Group2Key, r.Group2Properties, r.Group2CreatedAt = key, properties, createdAt
	case 3:
		r.Group3Key, r.Group3Properties, r.Group3CreatedAt = key, properties, createdAt
	case 4:
		r.Group4Key, r.Group4Properties, r.Group4CreatedAt = key, properties, createdAt
	}
}

// SessionRecordingRecord is the minimal wire record published on the session
// recording topic. Snapshot payloads skip schema, group, and person
// enrichment entirely.
type SessionRecordingRecord struct {
	UUID         string `json:"uuid"`
	TeamID       int64  `json:"team_id"`
	DistinctID   string `json:"distinct_id"`
	SessionID    string `json:"session_id"`
	WindowID     string `json:"window_id"`
	SnapshotData string `json:"snapshot_data"`
	Timestamp    string `json:"timestamp"`
	CreatedAt    string `json:"created_at"`
}

// FormatColumnarTime renders t in the columnar DateTime64 text form, UTC.
func FormatColumnarTime(t time.Time) string {
	return t.UTC().Format(ColumnarTimeLayout)
}

// SanitizeColumnarString strips NUL bytes, which the columnar store's string
// columns cannot hold.
func SanitizeColumnarString(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}
