package normalizer

import (
	"sort"
	"testing"

	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/bus"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/cache"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/sif"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/suo"
	"github.com/stretchr/testify/require"
)

func TestDiffRFID_TableDriven(t *testing.T) {
	cases := []struct {
		name string
		prev []cache.RFIDSlot
		curr []cache.RFIDSlot
		want []rfidDiffEntry
	}{
		{
			name: "no change produces no diff",
			prev: []cache.RFIDSlot{{SensorIndex: 1, TagID: "AAAA"}},
			curr: []cache.RFIDSlot{{SensorIndex: 1, TagID: "AAAA"}},
			want: nil,
		},
		{
			name: "tag removed emits DETACHED",
			prev: []cache.RFIDSlot{{SensorIndex: 1, TagID: "AAAA"}},
			curr: []cache.RFIDSlot{{SensorIndex: 1, TagID: ""}},
			want: []rfidDiffEntry{{1, "AAAA", suo.Detached}},
		},
		{
			name: "tag added emits ATTACHED",
			prev: []cache.RFIDSlot{{SensorIndex: 1, TagID: ""}},
			curr: []cache.RFIDSlot{{SensorIndex: 1, TagID: "BBBB"}},
			want: []rfidDiffEntry{{1, "BBBB", suo.Attached}},
		},
		{
			name: "slot absent from previous but present now emits ATTACHED",
			prev: nil,
			curr: []cache.RFIDSlot{{SensorIndex: 2, TagID: "CCCC"}},
			want: []rfidDiffEntry{{2, "CCCC", suo.Attached}},
		},
		{
			name: "slot present before but absent now emits DETACHED",
			prev: []cache.RFIDSlot{{SensorIndex: 2, TagID: "CCCC"}},
			curr: nil,
			want: []rfidDiffEntry{{2, "CCCC", suo.Detached}},
		},
		{
			name: "tag swap at the same index emits DETACHED then ATTACHED, in that order",
			prev: []cache.RFIDSlot{{SensorIndex: 3, TagID: "OLD1"}},
			curr: []cache.RFIDSlot{{SensorIndex: 3, TagID: "NEW1"}},
			want: []rfidDiffEntry{
				{3, "OLD1", suo.Detached},
				{3, "NEW1", suo.Attached},
			},
		},
		{
			name: "alarm raised with tag unchanged emits ALARM_ON",
			prev: []cache.RFIDSlot{{SensorIndex: 4, TagID: "DDDD", IsAlarm: false}},
			curr: []cache.RFIDSlot{{SensorIndex: 4, TagID: "DDDD", IsAlarm: true}},
			want: []rfidDiffEntry{{4, "DDDD", suo.AlarmOn}},
		},
		{
			name: "alarm cleared with tag unchanged emits ALARM_OFF",
			prev: []cache.RFIDSlot{{SensorIndex: 4, TagID: "DDDD", IsAlarm: true}},
			curr: []cache.RFIDSlot{{SensorIndex: 4, TagID: "DDDD", IsAlarm: false}},
			want: []rfidDiffEntry{{4, "DDDD", suo.AlarmOff}},
		},
		{
			name: "empty-to-empty transition never emits",
			prev: []cache.RFIDSlot{{SensorIndex: 5, TagID: ""}},
			curr: []cache.RFIDSlot{{SensorIndex: 5, TagID: ""}},
			want: nil,
		},
		{
			name: "mixed indices sort by sensorIndex, ties broken by action rank",
			prev: []cache.RFIDSlot{
				{SensorIndex: 2, TagID: "T2"},
				{SensorIndex: 1, TagID: "X1"},
			},
			curr: []cache.RFIDSlot{
				{SensorIndex: 2, TagID: ""},
				{SensorIndex: 1, TagID: "Y1"},
			},
			want: []rfidDiffEntry{
				{1, "X1", suo.Detached},
				{1, "Y1", suo.Attached},
				{2, "T2", suo.Detached},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := diffRFID(tc.prev, tc.curr)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestHandleRFIDSnapshot_EmitsEventOnlyWhenDiffNonEmpty(t *testing.T) {
	b := bus.New()
	c := cache.New()
	n := New(c, b, nil)
	n.Start()

	var events []*suo.SUO
	var snapshots []*suo.SUO
	b.Subscribe(bus.TopicDataNormalized, func(msg interface{}) error {
		o := msg.(*suo.SUO)
		switch o.MessageType {
		case sif.RFIDEvent:
			events = append(events, o)
		case sif.RFIDSnapshot:
			snapshots = append(snapshots, o)
		}
		return nil
	})

	idx := 0
	first := &sif.SIF{
		DeviceID: "DEV100", DeviceType: sif.FamilyV5008, MessageType: sif.RFIDSnapshot,
		MessageID: "1", ModuleIndex: &idx,
		Data: []sif.Entry{{"uIndex": 1, "tagId": "AAAA", "isAlarm": false}},
	}
	b.Publish(bus.TopicDataParsed, first)
	require.Len(t, events, 1, "a brand new tag must surface as an ATTACHED event")
	require.Len(t, snapshots, 1)

	entry, ok := c.GetTelemetry("DEV100", 0)
	require.True(t, ok)
	require.Equal(t, []cache.RFIDSlot{{SensorIndex: 1, TagID: "AAAA", IsAlarm: false}}, entry.RFIDSnapshot)

	second := &sif.SIF{
		DeviceID: "DEV100", DeviceType: sif.FamilyV5008, MessageType: sif.RFIDSnapshot,
		MessageID: "2", ModuleIndex: &idx,
		Data: []sif.Entry{{"uIndex": 1, "tagId": "AAAA", "isAlarm": false}},
	}
	b.Publish(bus.TopicDataParsed, second)
	require.Len(t, events, 1, "an unchanged snapshot must not emit a second RFID_EVENT")
	require.Len(t, snapshots, 2, "RFID_SNAPSHOT archives every poll regardless of diff")
}

func TestHandleRFIDSnapshot_TagSwapEmitsDetachThenAttachAndReplacesSnapshotAtomically(t *testing.T) {
	b := bus.New()
	c := cache.New()
	n := New(c, b, nil)
	n.Start()

	idx := 0
	seed := &sif.SIF{
		DeviceID: "DEV101", DeviceType: sif.FamilyV5008, MessageType: sif.RFIDSnapshot,
		MessageID: "1", ModuleIndex: &idx,
		Data: []sif.Entry{{"uIndex": 1, "tagId": "OLDTAG", "isAlarm": false}},
	}
	b.Publish(bus.TopicDataParsed, seed)

	var event *suo.SUO
	b.Subscribe(bus.TopicDataNormalized, func(msg interface{}) error {
		if o := msg.(*suo.SUO); o.MessageType == sif.RFIDEvent {
			event = o
		}
		return nil
	})

	swap := &sif.SIF{
		DeviceID: "DEV101", DeviceType: sif.FamilyV5008, MessageType: sif.RFIDSnapshot,
		MessageID: "2", ModuleIndex: &idx,
		Data: []sif.Entry{{"uIndex": 1, "tagId": "NEWTAG", "isAlarm": false}},
	}
	b.Publish(bus.TopicDataParsed, swap)

	require.NotNil(t, event)
	payload := event.Payload
	require.Len(t, payload, 2, "a tag swap at one index emits exactly a detach+attach pair")

	actions := make([]string, len(payload))
	for i, p := range payload {
		actions[i] = p.(map[string]interface{})["action"].(string)
	}
	sort.Strings(actions) // ALARM_OFF/ON are absent here; order asserted via actionRank already
	require.ElementsMatch(t, []string{suo.Detached, suo.Attached}, actions)
	require.Equal(t, suo.Detached, payload[0].(map[string]interface{})["action"])
	require.Equal(t, suo.Attached, payload[1].(map[string]interface{})["action"])

	entry, ok := c.GetTelemetry("DEV101", 0)
	require.True(t, ok)
	require.Equal(t, []cache.RFIDSlot{{SensorIndex: 1, TagID: "NEWTAG", IsAlarm: false}}, entry.RFIDSnapshot,
		"the cached snapshot must be atomically replaced by the new reading, never merged with the old one")
}
