package ir

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureEntries(t *testing.T) map[string]LogEntry {
	t.Helper()
	amm := ProgramScope("amm")

	eff, err := NewEntry(EntryEffect, depositEffect(amm), []EntryRef{{Scope: GatewayScope("alice"), ID: "i1"}}, 3, amm)
	require.NoError(t, err)
	fact, err := NewEntry(EntryFact, priceFact(3000), nil, 100, ActorScope("oracle"))
	require.NoError(t, err)
	ev, err := NewEntry(EntryEvent, &Event{
		Kind:      EventFailure,
		Subject:   "p1",
		ErrorKind: KindStaleObservation,
		Reason:    "fact F1 superseded",
		Details:   IRObject{"observed": IRInt(100), "current": IRInt(150)},
	}, nil, 4, amm)
	require.NoError(t, err)

	return map[string]LogEntry{"effect": eff, "fact": fact, "failure_event": ev}
}

func TestWireGolden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	for name, e := range fixtureEntries(t) {
		t.Run(name, func(t *testing.T) {
			data, err := MarshalEntry(e)
			require.NoError(t, err)
			g.Assert(t, "wire_"+name, data)
		})
	}
}

func TestWireRoundTrip(t *testing.T) {
	for name, e := range fixtureEntries(t) {
		t.Run(name, func(t *testing.T) {
			data, err := MarshalEntry(e)
			require.NoError(t, err)
			back, err := UnmarshalEntry(data)
			require.NoError(t, err)
			require.NoError(t, Verify(back))
			assert.Equal(t, e.ID, back.ID)

			again, err := MarshalEntry(back)
			require.NoError(t, err)
			assert.Equal(t, string(data), string(again))
		})
	}
}

func TestUnmarshalEntryRejects(t *testing.T) {
	e := fixtureEntries(t)["fact"]
	data, err := MarshalEntry(e)
	require.NoError(t, err)
	good := string(data)

	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"array", `[]`},
		{"missing key", strings.Replace(good, `"signer":"",`, ``, 1)},
		{"unknown key", strings.Replace(good, `{`, `{"extra":1,`, 1)},
		{"unknown entry type", strings.Replace(good, `"entryType":"Fact"`, `"entryType":"Rumor"`, 1)},
		{"unknown payload field", strings.Replace(good, `"proof":`, `"note":"x","proof":`, 1)},
		{"float in payload", strings.Replace(good, `"price":3000`, `"price":3000.5`, 1)},
		{"negative timestamp", strings.Replace(good, `"timestamp":100`, `"timestamp":-1`, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotEqual(t, good, tt.data, "fixture replacement must apply")
			_, err := UnmarshalEntry([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, IsPayloadError(err), "got %v", err)
		})
	}
}

func TestDecodePayloadUnknownVariants(t *testing.T) {
	eff := PayloadObject(depositEffect(ProgramScope("amm")))
	eff["kind"] = IRString("Mint")
	_, err := DecodePayload(EntryEffect, eff)
	assert.True(t, IsPayloadError(err))

	ev := PayloadObject(&Event{Kind: EventRestart})
	ev["kind"] = IRString("Explosion")
	_, err = DecodePayload(EntryEvent, ev)
	assert.True(t, IsPayloadError(err))
}

func TestTimeMapSnapshot(t *testing.T) {
	snap := NewTimeMapSnapshot(ProgramScope("amm"), 9,
		Observation{Domain: "solana", FactID: "S1", Timestamp: 4, EntryID: "s"},
		Observation{Domain: "ethereum", FactID: "F2", Timestamp: 7, EntryID: "f2"},
		Observation{Domain: "ethereum", FactID: "F1", Timestamp: 5, EntryID: "f1"},
	)
	assert.Equal(t, []string{"ethereum", "solana"}, snap.Domains())
	assert.Equal(t, "F1", snap.Observations[0].FactID, "observations are canonically ordered")

	o, ok := snap.Lookup("ethereum", "F2")
	require.True(t, ok)
	assert.Equal(t, uint64(7), o.Timestamp)
	_, ok = snap.Lookup("ethereum", "F9")
	assert.False(t, ok)

	assert.Len(t, snap.Hash(), 64)
	assert.NotEqual(t, snap.Hash(), NewTimeMapSnapshot(ProgramScope("amm"), 10).Hash())
}
