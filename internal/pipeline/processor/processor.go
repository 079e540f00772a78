// Package processor orchestrates per-event ingestion: identifier validation,
// tenant resolution, payload sanitization and enrichment, and durable
// hand-off of the finished record to the broker.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tidewave-analytics/tidewave/internal/group"
	"github.com/tidewave-analytics/tidewave/internal/person"
	"github.com/tidewave-analytics/tidewave/internal/pipeline"
	"github.com/tidewave-analytics/tidewave/internal/pipeline/elements"
	"github.com/tidewave-analytics/tidewave/internal/pipeline/warnings"
	"github.com/tidewave-analytics/tidewave/internal/tenant"
	"github.com/tidewave-analytics/tidewave/pkg/config"
	apperrors "github.com/tidewave-analytics/tidewave/pkg/errors"
	"github.com/tidewave-analytics/tidewave/pkg/metrics"
)

const maxEventNameLength = 200

// TenantResolver maps a tenant id to its ingestion configuration.
type TenantResolver interface {
	Fetch(ctx context.Context, id int64) (*tenant.Tenant, error)
}

// SchemaRegistry records first-seen event and property names per tenant.
type SchemaRegistry interface {
	UpdateSchemaRegistry(ctx context.Context, teamID int64, eventName string, properties map[string]any) error
}

// GroupResolver binds a group-type name to its tenant-scoped slot index.
type GroupResolver interface {
	Index(ctx context.Context, teamID int64, name string) (index int, ok bool, err error)
}

// GroupStore persists group records and serves their column projections.
type GroupStore interface {
	Upsert(ctx context.Context, teamID int64, index int, key string, properties map[string]any, ts time.Time) error
	GetGroupColumns(ctx context.Context, teamID int64, refs map[int]string) (map[int]group.Columns, error)
}

// PersonGetter resolves the event's actor at most once; see person.Lazy.
type PersonGetter interface {
	Get(ctx context.Context) (*person.Record, error)
}

// WarningSink records best-effort ingestion diagnostics.
type WarningSink interface {
	Record(ctx context.Context, teamID int64, warningType string, details map[string]any)
}

// Producer queues messages for the broker with accepted-into-batch semantics.
type Producer interface {
	QueueJSON(topic, key string, v any) error
}

// Deps are the collaborators the processor orchestrates. Each is the narrow
// interface the processor actually needs, not a shared resource hub.
type Deps struct {
	Tenants    TenantResolver
	Schema     SchemaRegistry
	GroupTypes GroupResolver
	Groups     GroupStore
	Warnings   WarningSink
	Producer   Producer
}

// Processor turns raw captured events into durably published records.
type Processor struct {
	deps            Deps
	topics          config.KafkaTopics
	watchdogTimeout time.Duration
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

// New creates a Processor.
func New(deps Deps, topics config.KafkaTopics, watchdogTimeout time.Duration, m *metrics.Metrics) *Processor {
	if watchdogTimeout <= 0 {
		watchdogTimeout = 30 * time.Second
	}
	return &Processor{
		deps:            deps,
		topics:          topics,
		watchdogTimeout: watchdogTimeout,
		metrics:         m,
		logger:          slog.Default().With("component", "event-processor"),
	}
}

// ProcessEvent is the pipeline entry point. Standard events are sanitized and
// enriched into a PreIngestionEvent for the finalize step; snapshot events are
// published immediately on the session recording topic. A nil event with nil
// error means the event was silently dropped (session recording disabled).
func (p *Processor) ProcessEvent(ctx context.Context, distinctID, ip string, raw *pipeline.RawEvent, teamID int64, ts time.Time, eventUUID string) (*pipeline.PreIngestionEvent, error) {
	if !validUUID(eventUUID) {
		p.deps.Warnings.Record(ctx, teamID, warnings.TypeInvalidEventUUID, map[string]any{
			"eventUuid": eventUUID,
			"event":     raw.Event,
		})
		p.metrics.EventsDroppedTotal.WithLabelValues("invalid_uuid").Inc()
		return nil, apperrors.Newf(apperrors.ErrInvalidIdentifier, "event uuid %q", eventUUID)
	}

	t, err := p.deps.Tenants.Fetch(ctx, teamID)
	if err != nil {
		if apperrors.IsFatal(err) {
			p.metrics.EventsDroppedTotal.WithLabelValues("unknown_tenant").Inc()
		}
		return nil, err
	}

	// The watchdog surfaces a stuck pipeline; it never cancels the work.
	start := time.Now()
	watchdog := time.AfterFunc(p.watchdogTimeout, func() {
		serialized, _ := json.Marshal(raw)
		p.logger.Warn("event processing timed out",
			"timeout", p.watchdogTimeout,
			"team_id", teamID,
			"event_uuid", eventUUID,
			"event", string(serialized),
		)
	})
	defer watchdog.Stop()

	if raw.Event == pipeline.EventSnapshot {
		if !t.SessionRecordingOptIn {
			p.metrics.EventsDroppedTotal.WithLabelValues("recording_disabled").Inc()
			return nil, nil
		}
		post, err := p.CreateSessionRecordingEvent(ctx, eventUUID, teamID, distinctID, raw.Properties, ts)
		if err != nil {
			return nil, err
		}
		p.metrics.EventsProcessedTotal.WithLabelValues("snapshot").Inc()
		p.metrics.EventProcessingDuration.WithLabelValues("snapshot").Observe(time.Since(start).Seconds())
		return &post.PreIngestionEvent, nil
	}

	pre, err := p.capture(ctx, eventUUID, ip, t, raw.Event, distinctID, raw.Properties, ts)
	if err != nil {
		return nil, err
	}
	p.metrics.EventsProcessedTotal.WithLabelValues("standard").Inc()
	p.metrics.EventProcessingDuration.WithLabelValues("standard").Observe(time.Since(start).Seconds())
	return pre, nil
}

// capture sanitizes and enriches a standard event. Property mutations happen
// in the stated order on a copy of the incoming map; the raw event is never
// modified.
func (p *Processor) capture(ctx context.Context, eventUUID, ip string, t *tenant.Tenant, eventName, distinctID string, properties map[string]any, ts time.Time) (*pipeline.PreIngestionEvent, error) {
	name := sanitizeEventName(eventName)

	props := make(map[string]any, len(properties))
	for k, v := range properties {
		props[k] = v
	}

	var chain []elements.Element
	if raw, ok := props[pipeline.PropElements]; ok {
		chain = elements.Parse(raw)
		delete(props, pipeline.PropElements)
	}

	if ip != "" && !t.AnonymizeIPs {
		if _, ok := props[pipeline.PropIP]; !ok {
			props[pipeline.PropIP] = ip
		}
	}

	if err := p.deps.Schema.UpdateSchemaRegistry(ctx, t.ID, name, props); err != nil {
		// Schema discovery is bookkeeping; its failure never fails the event.
		p.logger.Error("schema registry update failed",
			"team_id", t.ID,
			"event", name,
			"error", err,
		)
	}

	if err := p.overlayGroupReferences(ctx, t.ID, props); err != nil {
		return nil, err
	}

	if name == pipeline.EventGroupIdentify {
		if err := p.upsertGroup(ctx, t.ID, props, ts); err != nil {
			return nil, err
		}
	}

	return &pipeline.PreIngestionEvent{
		EventUUID:  eventUUID,
		Event:      name,
		TeamID:     t.ID,
		DistinctID: distinctID,
		Properties: props,
		Timestamp:  ts.UTC(),
		Elements:   chain,
	}, nil
}

// overlayGroupReferences translates the event's "$groups" map into reserved
// "$group_<index>" keys for every group-type name bound to a slot.
func (p *Processor) overlayGroupReferences(ctx context.Context, teamID int64, props map[string]any) error {
	groups, ok := props[pipeline.PropGroups].(map[string]any)
	if !ok || len(groups) == 0 {
		return nil
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		index, bound, err := p.deps.GroupTypes.Index(ctx, teamID, name)
		if err != nil {
			return downstream("resolving group type", err)
		}
		if !bound {
			continue
		}
		props["$group_"+strconv.Itoa(index)] = stringify(groups[name])
	}
	return nil
}

// upsertGroup handles the "$groupidentify" side effect. Missing type or key
// skips silently, as does a registry at capacity for the tenant.
func (p *Processor) upsertGroup(ctx context.Context, teamID int64, props map[string]any, ts time.Time) error {
	typeName, _ := props[pipeline.PropGroupType].(string)
	key := stringify(props[pipeline.PropGroupKey])
	if typeName == "" || key == "" {
		return nil
	}
	index, bound, err := p.deps.GroupTypes.Index(ctx, teamID, typeName)
	if err != nil {
		return downstream("resolving group type", err)
	}
	if !bound {
		p.logger.Warn("group type slots exhausted, skipping upsert",
			"team_id", teamID,
			"group_type", typeName,
		)
		return nil
	}
	set, _ := props[pipeline.PropGroupSet].(map[string]any)
	if set == nil {
		set = map[string]any{}
	}
	if err := p.deps.Groups.Upsert(ctx, teamID, index, key, set, ts); err != nil {
		return downstream("upserting group", err)
	}
	return nil
}

// CreateEvent assembles the outbound wire record for a captured event and
// queues it on the events topic, keyed by the event id. Construction and
// publish are all-or-nothing: no partial record is ever queued.
func (p *Processor) CreateEvent(ctx context.Context, pre *pipeline.PreIngestionEvent, personGetter PersonGetter) (*pipeline.PostIngestionEvent, error) {
	propsJSON, err := json.Marshal(pre.Properties)
	if err != nil {
		return nil, fmt.Errorf("encoding event properties: %w", err)
	}
	record := &pipeline.OutboundRecord{
		UUID:          pre.EventUUID,
		Event:         pre.Event,
		Properties:    string(propsJSON),
		Timestamp:     pipeline.FormatColumnarTime(pre.Timestamp),
		TeamID:        pre.TeamID,
		DistinctID:    pipeline.SanitizeColumnarString(pre.DistinctID),
		ElementsChain: pipeline.SanitizeColumnarString(elements.ChainString(pre.Elements)),
		CreatedAt:     pipeline.FormatColumnarTime(time.Now()),
	}

	refs := groupReferences(pre.Properties)
	if len(refs) > 0 {
		cols, err := p.deps.Groups.GetGroupColumns(ctx, pre.TeamID, refs)
		if err != nil {
			return nil, downstream("resolving group columns", err)
		}
		for index, col := range cols {
			colProps, err := json.Marshal(col.Properties)
			if err != nil {
				return nil, fmt.Errorf("encoding group properties for slot %d: %w", index, err)
			}
			record.SetGroupColumns(index, col.Key, string(colProps), pipeline.FormatColumnarTime(col.CreatedAt))
		}
	}

	actor, err := personGetter.Get(ctx)
	if err != nil {
		return nil, downstream("resolving person", err)
	}
	if actor != nil {
		merged := actor.Properties
		if merged == nil {
			merged = map[string]any{}
		}
		if set, ok := pre.Properties[pipeline.PropSet].(map[string]any); ok {
			// The event's own $set wins over the stored snapshot; this view
			// is for the outbound record only and never mutates the person.
			merged = make(map[string]any, len(actor.Properties)+len(set))
			for k, v := range actor.Properties {
				merged[k] = v
			}
			for k, v := range set {
				merged[k] = v
			}
		}
		personProps, err := json.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("encoding person properties: %w", err)
		}
		record.PersonID = actor.UUID
		record.PersonProperties = string(personProps)
		record.PersonCreatedAt = pipeline.FormatColumnarTime(actor.CreatedAt)
	}

	if err := p.deps.Producer.QueueJSON(p.topics.Events, pre.EventUUID, record); err != nil {
		return nil, downstream("queueing event", err)
	}
	return &pipeline.PostIngestionEvent{
		PreIngestionEvent: *pre,
		QueuedAt:          time.Now().UTC(),
	}, nil
}

// CreateSessionRecordingEvent builds the minimal snapshot record and queues
// it on the session recording topic. Snapshots skip schema discovery, group
// resolution, and person resolution entirely.
func (p *Processor) CreateSessionRecordingEvent(ctx context.Context, eventUUID string, teamID int64, distinctID string, properties map[string]any, ts time.Time) (*pipeline.PostIngestionEvent, error) {
	sessionID, _ := properties[pipeline.PropSessionID].(string)
	windowID, _ := properties[pipeline.PropWindowID].(string)
	snapshotJSON, err := json.Marshal(properties[pipeline.PropSnapshotData])
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot data: %w", err)
	}

	stamp := pipeline.FormatColumnarTime(ts)
	record := &pipeline.SessionRecordingRecord{
		UUID:         eventUUID,
		TeamID:       teamID,
		DistinctID:   pipeline.SanitizeColumnarString(distinctID),
		SessionID:    sessionID,
		WindowID:     windowID,
		SnapshotData: string(snapshotJSON),
		Timestamp:    stamp,
		CreatedAt:    stamp,
	}
	if err := p.deps.Producer.QueueJSON(p.topics.SessionRecordingEvents, eventUUID, record); err != nil {
		return nil, downstream("queueing session recording event", err)
	}
	return &pipeline.PostIngestionEvent{
		PreIngestionEvent: pipeline.PreIngestionEvent{
			EventUUID:  eventUUID,
			Event:      pipeline.EventSnapshot,
			TeamID:     teamID,
			DistinctID: distinctID,
			Properties: properties,
			Timestamp:  ts.UTC(),
		},
		QueuedAt: time.Now().UTC(),
	}, nil
}

// groupReferences scans the reserved $group_0..$group_N keys into a slot
// index -> group key map.
func groupReferences(props map[string]any) map[int]string {
	refs := make(map[int]string)
	for i := 0; i < pipeline.MaxGroupTypesPerTenant; i++ {
		if v, ok := props["$group_"+strconv.Itoa(i)]; ok {
			if key := stringify(v); key != "" {
				refs[i] = key
			}
		}
	}
	return refs
}

// validUUID accepts only the canonical hyphenated 8-4-4-4-12 textual form,
// case-insensitive.
func validUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// sanitizeEventName trims surrounding whitespace, strips NUL bytes, and
// bounds the name length for downstream storage column constraints. The cut
// lands on a rune boundary so truncation never produces invalid UTF-8.
func sanitizeEventName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\x00", "")
	if len(name) > maxEventNameLength {
		cut := maxEventNameLength
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	return name
}

func stringify(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	default:
		return fmt.Sprint(value)
	}
}

func downstream(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", apperrors.ErrDownstreamUnavailable, op, err)
}
