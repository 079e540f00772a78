package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewave-analytics/tidewave/internal/group"
	"github.com/tidewave-analytics/tidewave/internal/person"
	"github.com/tidewave-analytics/tidewave/internal/pipeline"
	"github.com/tidewave-analytics/tidewave/internal/tenant"
	"github.com/tidewave-analytics/tidewave/pkg/config"
	apperrors "github.com/tidewave-analytics/tidewave/pkg/errors"
	"github.com/tidewave-analytics/tidewave/pkg/metrics"
)

const validEventUUID = "018e8b33-7c2d-7f6a-b1aa-0242ac120002"

type fakeTenants struct {
	tenants map[int64]*tenant.Tenant
}

func (f *fakeTenants) Fetch(ctx context.Context, id int64) (*tenant.Tenant, error) {
	if t, ok := f.tenants[id]; ok {
		return t, nil
	}
	return nil, apperrors.Newf(apperrors.ErrUnknownTenant, "tenant %d", id)
}

type schemaCall struct {
	teamID    int64
	eventName string
	propNames map[string]any
}

type fakeSchema struct {
	calls []schemaCall
	err   error
}

func (f *fakeSchema) UpdateSchemaRegistry(ctx context.Context, teamID int64, eventName string, properties map[string]any) error {
	f.calls = append(f.calls, schemaCall{teamID: teamID, eventName: eventName, propNames: properties})
	return f.err
}

type fakeGroupTypes struct {
	bindings map[string]int
	full     bool
	err      error
}

func (f *fakeGroupTypes) Index(ctx context.Context, teamID int64, name string) (int, bool, error) {
	if f.err != nil {
		return 0, false, f.err
	}
	if index, ok := f.bindings[name]; ok {
		return index, true, nil
	}
	if f.full {
		return 0, false, nil
	}
	index := len(f.bindings)
	if f.bindings == nil {
		f.bindings = make(map[string]int)
	}
	f.bindings[name] = index
	return index, true, nil
}

type upsertCall struct {
	teamID int64
	index  int
	key    string
	props  map[string]any
	ts     time.Time
}

type fakeGroups struct {
	upserts []upsertCall
	columns map[int]group.Columns
	err     error
}

func (f *fakeGroups) Upsert(ctx context.Context, teamID int64, index int, key string, properties map[string]any, ts time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.upserts = append(f.upserts, upsertCall{teamID: teamID, index: index, key: key, props: properties, ts: ts})
	return nil
}

func (f *fakeGroups) GetGroupColumns(ctx context.Context, teamID int64, refs map[int]string) (map[int]group.Columns, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[int]group.Columns)
	for index := range refs {
		if col, ok := f.columns[index]; ok {
			out[index] = col
		}
	}
	return out, nil
}

type recordedWarning struct {
	teamID      int64
	warningType string
	details     map[string]any
}

type fakeWarnings struct {
	recorded []recordedWarning
}

func (f *fakeWarnings) Record(ctx context.Context, teamID int64, warningType string, details map[string]any) {
	f.recorded = append(f.recorded, recordedWarning{teamID: teamID, warningType: warningType, details: details})
}

type queuedMessage struct {
	topic string
	key   string
	value []byte
}

type fakeProducer struct {
	messages []queuedMessage
	err      error
}

func (f *fakeProducer) QueueJSON(topic, key string, v any) error {
	if f.err != nil {
		return f.err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.messages = append(f.messages, queuedMessage{topic: topic, key: key, value: data})
	return nil
}

type fixture struct {
	processor  *Processor
	tenants    *fakeTenants
	schema     *fakeSchema
	groupTypes *fakeGroupTypes
	groups     *fakeGroups
	warnings   *fakeWarnings
	producer   *fakeProducer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		tenants: &fakeTenants{tenants: map[int64]*tenant.Tenant{
			1: {ID: 1, Name: "acme"},
			2: {ID: 2, Name: "recording", SessionRecordingOptIn: true},
			3: {ID: 3, Name: "private", AnonymizeIPs: true},
		}},
		schema:     &fakeSchema{},
		groupTypes: &fakeGroupTypes{bindings: map[string]int{}},
		groups:     &fakeGroups{columns: map[int]group.Columns{}},
		warnings:   &fakeWarnings{},
		producer:   &fakeProducer{},
	}
	topics := config.KafkaTopics{
		Events:                 "events_json",
		SessionRecordingEvents: "session_recording_events",
		IngestionWarnings:      "ingestion_warnings",
	}
	f.processor = New(Deps{
		Tenants:    f.tenants,
		Schema:     f.schema,
		GroupTypes: f.groupTypes,
		Groups:     f.groups,
		Warnings:   f.warnings,
		Producer:   f.producer,
	}, topics, time.Minute, metrics.New(prometheus.NewRegistry()))
	return f
}

func rawEvent(name string, props map[string]any) *pipeline.RawEvent {
	return &pipeline.RawEvent{Event: name, Properties: props}
}

func TestProcessEventRejectsMalformedUUID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, bad := range []string{
		"",
		"not-a-uuid",
		"018e8b337c2d7f6ab1aa0242ac120002",                     // missing hyphens
		"{018e8b33-7c2d-7f6a-b1aa-0242ac120002}",               // braced form
		"018e8b33-7c2d-7f6a-b1aa-0242ac120002-extra",           // too long
		"zzze8b33-7c2d-7f6a-b1aa-0242ac120002",                 // bad hex
		"urn:uuid:018e8b33-7c2d-7f6a-b1aa-0242ac120002"[:36],   // wrong shape
	} {
		_, err := f.processor.ProcessEvent(ctx, "user-1", "", rawEvent("$pageview", nil), 1, time.Now(), bad)
		assert.ErrorIs(t, err, apperrors.ErrInvalidIdentifier, "uuid %q", bad)
		assert.True(t, apperrors.IsFatal(err))
	}

	assert.Len(t, f.warnings.recorded, 7)
	assert.Equal(t, "skipping_event_invalid_uuid", f.warnings.recorded[0].warningType)
	assert.Empty(t, f.producer.messages, "no message may reach the broker for a rejected event")
}

func TestProcessEventAcceptsCanonicalUUIDAnyCase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	upper := "018E8B33-7C2D-7F6A-B1AA-0242AC120002"
	pre, err := f.processor.ProcessEvent(ctx, "user-1", "", rawEvent("$pageview", nil), 1, time.Now(), upper)
	require.NoError(t, err)
	require.NotNil(t, pre)
	assert.Equal(t, upper, pre.EventUUID)
	assert.Empty(t, f.warnings.recorded)
}

func TestProcessEventUnknownTenant(t *testing.T) {
	f := newFixture(t)

	_, err := f.processor.ProcessEvent(context.Background(), "user-1", "", rawEvent("$pageview", nil), 999, time.Now(), validEventUUID)
	assert.ErrorIs(t, err, apperrors.ErrUnknownTenant)
	assert.True(t, apperrors.IsFatal(err))
	assert.Empty(t, f.producer.messages)
}

func TestProcessEventSnapshotDroppedWhenRecordingDisabled(t *testing.T) {
	f := newFixture(t)

	pre, err := f.processor.ProcessEvent(context.Background(), "user-1", "",
		rawEvent(pipeline.EventSnapshot, map[string]any{"$session_id": "s1"}), 1, time.Now(), validEventUUID)
	require.NoError(t, err)
	assert.Nil(t, pre, "a disabled recording drops silently")
	assert.Empty(t, f.producer.messages)
	assert.Empty(t, f.warnings.recorded)
}

func TestProcessEventSnapshotPublishesRecording(t *testing.T) {
	f := newFixture(t)
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)

	pre, err := f.processor.ProcessEvent(context.Background(), "user-1", "", rawEvent(pipeline.EventSnapshot, map[string]any{
		"$session_id":    "session-abc",
		"$window_id":     "window-1",
		"$snapshot_data": map[string]any{"type": float64(2)},
	}), 2, ts, validEventUUID)
	require.NoError(t, err)
	require.NotNil(t, pre)
	assert.Equal(t, pipeline.EventSnapshot, pre.Event)

	require.Len(t, f.producer.messages, 1)
	msg := f.producer.messages[0]
	assert.Equal(t, "session_recording_events", msg.topic)
	assert.Equal(t, validEventUUID, msg.key)

	var record pipeline.SessionRecordingRecord
	require.NoError(t, json.Unmarshal(msg.value, &record))
	assert.Equal(t, "session-abc", record.SessionID)
	assert.Equal(t, "window-1", record.WindowID)
	assert.JSONEq(t, `{"type":2}`, record.SnapshotData)
	assert.Equal(t, "2026-03-14 09:26:53.589793", record.Timestamp)
	assert.Equal(t, record.Timestamp, record.CreatedAt)
}

func TestCaptureEnrichesClientIP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pre, err := f.processor.ProcessEvent(ctx, "user-1", "203.0.113.7", rawEvent("$pageview", nil), 1, time.Now(), validEventUUID)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", pre.Properties["$ip"])

	// A client-supplied $ip is never overwritten.
	pre, err = f.processor.ProcessEvent(ctx, "user-1", "203.0.113.7",
		rawEvent("$pageview", map[string]any{"$ip": "198.51.100.1"}), 1, time.Now(), validEventUUID)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.1", pre.Properties["$ip"])

	// Anonymizing tenants get no IP at all.
	pre, err = f.processor.ProcessEvent(ctx, "user-1", "203.0.113.7", rawEvent("$pageview", nil), 3, time.Now(), validEventUUID)
	require.NoError(t, err)
	assert.NotContains(t, pre.Properties, "$ip")
}

func TestCaptureDoesNotMutateRawProperties(t *testing.T) {
	f := newFixture(t)
	raw := rawEvent("$autocapture", map[string]any{
		"$elements": []any{map[string]any{"tag_name": "button"}},
		"plan":      "pro",
	})

	pre, err := f.processor.ProcessEvent(context.Background(), "user-1", "203.0.113.7", raw, 1, time.Now(), validEventUUID)
	require.NoError(t, err)

	assert.Contains(t, raw.Properties, "$elements", "the raw envelope must stay untouched")
	assert.NotContains(t, raw.Properties, "$ip")
	assert.NotContains(t, pre.Properties, "$elements", "parsed elements leave the property map")
	require.Len(t, pre.Elements, 1)
	assert.Equal(t, "button", pre.Elements[0].TagName)
}

func TestCaptureSanitizesEventName(t *testing.T) {
	f := newFixture(t)

	pre, err := f.processor.ProcessEvent(context.Background(), "user-1", "",
		rawEvent("  click\x00ed  ", nil), 1, time.Now(), validEventUUID)
	require.NoError(t, err)
	assert.Equal(t, "clicked", pre.Event)

	require.Len(t, f.schema.calls, 1)
	assert.Equal(t, "clicked", f.schema.calls[0].eventName, "schema discovery sees the sanitized name")
}

func TestCaptureToleratesSchemaRegistryFailure(t *testing.T) {
	f := newFixture(t)
	f.schema.err = errors.New("connection refused")

	pre, err := f.processor.ProcessEvent(context.Background(), "user-1", "", rawEvent("$pageview", nil), 1, time.Now(), validEventUUID)
	require.NoError(t, err, "schema bookkeeping failures never fail the event")
	assert.NotNil(t, pre)
}

func TestGroupReferenceOverlay(t *testing.T) {
	f := newFixture(t)
	f.groupTypes.bindings = map[string]int{"company": 0, "project": 2}
	f.groupTypes.full = true

	pre, err := f.processor.ProcessEvent(context.Background(), "user-1", "", rawEvent("$pageview", map[string]any{
		"$groups": map[string]any{
			"company": "acme-inc",
			"project": float64(42),
			"unbound": "ignored",
		},
	}), 1, time.Now(), validEventUUID)
	require.NoError(t, err)

	assert.Equal(t, "acme-inc", pre.Properties["$group_0"])
	assert.Equal(t, "42", pre.Properties["$group_2"], "numeric keys stringify without an exponent")
	assert.NotContains(t, pre.Properties, "$group_1")
	assert.Contains(t, pre.Properties, "$groups", "the original map stays for downstream consumers")
}

func TestGroupIdentifyUpsertsGroup(t *testing.T) {
	f := newFixture(t)
	ts := time.Now().UTC()

	pre, err := f.processor.ProcessEvent(context.Background(), "user-1", "", rawEvent(pipeline.EventGroupIdentify, map[string]any{
		"$group_type": "company",
		"$group_key":  "acme-inc",
		"$group_set":  map[string]any{"plan": "enterprise"},
	}), 1, ts, validEventUUID)
	require.NoError(t, err)
	require.NotNil(t, pre)

	require.Len(t, f.groups.upserts, 1)
	up := f.groups.upserts[0]
	assert.Equal(t, int64(1), up.teamID)
	assert.Equal(t, 0, up.index)
	assert.Equal(t, "acme-inc", up.key)
	assert.Equal(t, map[string]any{"plan": "enterprise"}, up.props)
}

func TestGroupIdentifySkipsAtCapacity(t *testing.T) {
	f := newFixture(t)
	f.groupTypes.full = true // no free slots, nothing bound

	pre, err := f.processor.ProcessEvent(context.Background(), "user-1", "", rawEvent(pipeline.EventGroupIdentify, map[string]any{
		"$group_type": "company",
		"$group_key":  "acme-inc",
	}), 1, time.Now(), validEventUUID)
	require.NoError(t, err, "capacity exhaustion degrades the event, it does not fail it")
	assert.NotNil(t, pre)
	assert.Empty(t, f.groups.upserts)
}

func TestGroupIdentifyMissingTypeOrKeySkips(t *testing.T) {
	f := newFixture(t)

	for _, props := range []map[string]any{
		{"$group_key": "acme-inc"},
		{"$group_type": "company"},
		{"$group_type": "", "$group_key": ""},
	} {
		_, err := f.processor.ProcessEvent(context.Background(), "user-1", "",
			rawEvent(pipeline.EventGroupIdentify, props), 1, time.Now(), validEventUUID)
		require.NoError(t, err)
	}
	assert.Empty(t, f.groups.upserts)
}

func TestCreateEventQueuesOutboundRecord(t *testing.T) {
	f := newFixture(t)
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	pre, err := f.processor.ProcessEvent(context.Background(), "user-1", "",
		rawEvent("purchase", map[string]any{"amount": float64(99)}), 1, ts, validEventUUID)
	require.NoError(t, err)

	post, err := f.processor.CreateEvent(context.Background(), pre, person.Seeded(nil))
	require.NoError(t, err)
	assert.False(t, post.QueuedAt.IsZero())

	require.Len(t, f.producer.messages, 1)
	msg := f.producer.messages[0]
	assert.Equal(t, "events_json", msg.topic)
	assert.Equal(t, validEventUUID, msg.key)

	var record pipeline.OutboundRecord
	require.NoError(t, json.Unmarshal(msg.value, &record))
	assert.Equal(t, validEventUUID, record.UUID)
	assert.Equal(t, "purchase", record.Event)
	assert.Equal(t, "user-1", record.DistinctID)
	assert.Equal(t, "2026-03-14 09:26:53.000000", record.Timestamp)
	assert.JSONEq(t, `{"amount":99}`, record.Properties)
	assert.Empty(t, record.PersonID, "an absent person leaves the person columns empty")
}

func TestCreateEventMergesPersonSet(t *testing.T) {
	f := newFixture(t)

	actor := &person.Record{
		UUID:       "9f36b8a2-0000-4000-8000-000000000001",
		Properties: map[string]any{"plan": "free", "country": "NZ"},
		CreatedAt:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	pre, err := f.processor.ProcessEvent(context.Background(), "user-1", "", rawEvent("upgrade", map[string]any{
		"$set": map[string]any{"plan": "pro"},
	}), 1, time.Now(), validEventUUID)
	require.NoError(t, err)

	_, err = f.processor.CreateEvent(context.Background(), pre, person.Seeded(actor))
	require.NoError(t, err)

	var record pipeline.OutboundRecord
	require.NoError(t, json.Unmarshal(f.producer.messages[0].value, &record))
	assert.Equal(t, actor.UUID, record.PersonID)
	assert.JSONEq(t, `{"plan":"pro","country":"NZ"}`, record.PersonProperties, "the event's $set wins on the outbound view")

	assert.Equal(t, "free", actor.Properties["plan"], "the stored person snapshot is never mutated")
}

func TestCreateEventEmptyPersonProperties(t *testing.T) {
	f := newFixture(t)

	actor := &person.Record{
		UUID:      "9f36b8a2-0000-4000-8000-000000000002",
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	pre, err := f.processor.ProcessEvent(context.Background(), "user-1", "",
		rawEvent("$pageview", nil), 1, time.Now(), validEventUUID)
	require.NoError(t, err)

	_, err = f.processor.CreateEvent(context.Background(), pre, person.Seeded(actor))
	require.NoError(t, err)

	var record pipeline.OutboundRecord
	require.NoError(t, json.Unmarshal(f.producer.messages[0].value, &record))
	assert.Equal(t, actor.UUID, record.PersonID)
	assert.Equal(t, "{}", record.PersonProperties,
		"a person without stored properties serialises as an empty object")
}

func TestCreateEventCarriesGroupColumns(t *testing.T) {
	f := newFixture(t)
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.groups.columns = map[int]group.Columns{
		0: {Key: "acme-inc", Properties: map[string]any{"plan": "enterprise"}, CreatedAt: created},
	}

	pre := &pipeline.PreIngestionEvent{
		EventUUID:  validEventUUID,
		Event:      "purchase",
		TeamID:     1,
		DistinctID: "user-1",
		Properties: map[string]any{"$group_0": "acme-inc", "$group_3": "missing-group"},
		Timestamp:  time.Now().UTC(),
	}
	_, err := f.processor.CreateEvent(context.Background(), pre, person.Seeded(nil))
	require.NoError(t, err)

	var record pipeline.OutboundRecord
	require.NoError(t, json.Unmarshal(f.producer.messages[0].value, &record))
	assert.Equal(t, "acme-inc", record.Group0Key)
	assert.JSONEq(t, `{"plan":"enterprise"}`, record.Group0Properties)
	assert.Equal(t, pipeline.FormatColumnarTime(created), record.Group0CreatedAt)
	assert.Empty(t, record.Group3Key, "a referenced but absent group leaves its columns empty")
}

func TestCreateEventDownstreamFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.producer.err = errors.New("broker unavailable")

	pre := &pipeline.PreIngestionEvent{
		EventUUID:  validEventUUID,
		Event:      "purchase",
		TeamID:     1,
		DistinctID: "user-1",
		Properties: map[string]any{},
		Timestamp:  time.Now().UTC(),
	}
	_, err := f.processor.CreateEvent(context.Background(), pre, person.Seeded(nil))
	assert.ErrorIs(t, err, apperrors.ErrDownstreamUnavailable)
	assert.False(t, apperrors.IsFatal(err), "downstream failures must stay retryable")
}

func TestPageviewEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	raw := rawEvent("pageview", map[string]any{
		"$elements": []any{map[string]any{"tag_name": "a", "attr__href": "/pricing"}},
		"$set":      map[string]any{"plan": "pro"},
	})
	pre, err := f.processor.ProcessEvent(ctx, "user-1", "1.2.3.4", raw, 1, time.Now(), validEventUUID)
	require.NoError(t, err)

	assert.Equal(t, "1.2.3.4", pre.Properties["$ip"])
	assert.NotContains(t, pre.Properties, "$elements")
	require.NotEmpty(t, pre.Elements)

	actor := &person.Record{
		UUID:       "9f36b8a2-0000-4000-8000-000000000003",
		Properties: map[string]any{"plan": "free"},
	}
	_, err = f.processor.CreateEvent(ctx, pre, person.Seeded(actor))
	require.NoError(t, err)

	var record pipeline.OutboundRecord
	require.NoError(t, json.Unmarshal(f.producer.messages[0].value, &record))
	assert.NotEmpty(t, record.ElementsChain)
	assert.Contains(t, record.ElementsChain, `href="/pricing"`)

	var personProps map[string]any
	require.NoError(t, json.Unmarshal([]byte(record.PersonProperties), &personProps))
	assert.Equal(t, "pro", personProps["plan"])
}

func TestSanitizeEventName(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}

	cases := []struct {
		in   string
		want string
	}{
		{"  $pageview  ", "$pageview"},
		{"cli\x00ck", "click"},
		{"", ""},
		{string(long), string(long[:200])},
		// A multi-byte rune straddling the 200-byte cap is dropped whole.
		{string(long[:199]) + "é", string(long[:199])},
	}
	for _, tc := range cases {
		got := sanitizeEventName(tc.in)
		assert.Equal(t, tc.want, got)
		assert.True(t, utf8.ValidString(got))
	}
}

func TestStringify(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"acme", "acme"},
		{float64(42), "42"},
		{float64(1e15), "1000000000000000"},
		{float64(3.5), "3.5"},
		{true, "true"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, stringify(tc.in))
	}
}
