package eventstore

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpectedVersion(t *testing.T) {
	tests := []struct {
		name    string
		ev      ExpectedVersion
		current int64
		ok      bool
		str     string
	}{
		{"any on empty", Any(), 0, true, "Any"},
		{"any on existing", Any(), 9, true, "Any"},
		{"no stream on empty", NoStream(), 0, true, "NoStream"},
		{"no stream on existing", NoStream(), 1, false, "NoStream"},
		{"exact zero on empty", Exact(0), 0, true, "Exact(0)"},
		{"exact match", Exact(3), 3, true, "Exact(3)"},
		{"exact behind", Exact(2), 3, false, "Exact(2)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.ev.Check(tt.current))
			assert.Equal(t, tt.str, tt.ev.String())
		})
	}

	assert.Panics(t, func() { Exact(-1) })
	assert.Equal(t, int64(0), NoStream().Value())
	assert.Equal(t, int64(-1), Any().Value())
}

func TestPrepareAppend(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	input := []EventData{
		{EventType: "OrderPlaced", Payload: []byte(`{"id":1}`)},
		{EventID: "fixed", EventType: "OrderPaid", TenantID: "acme", Timestamp: now.Add(time.Minute)},
	}

	prepared, err := PrepareAppend("Order-1", "acme", input, now)
	require.NoError(t, err)
	require.Len(t, prepared, 2)

	assert.NotEmpty(t, prepared[0].EventID)
	assert.Equal(t, "acme", prepared[0].TenantID)
	assert.Equal(t, time.UTC, prepared[0].Timestamp.Location())
	assert.True(t, prepared[0].Timestamp.Equal(now))
	assert.Equal(t, "fixed", prepared[1].EventID)
	assert.Empty(t, input[0].EventID, "caller slice must not be mutated")
}

func TestPrepareAppendRejects(t *testing.T) {
	valid := []EventData{{EventType: "OrderPlaced"}}
	now := time.Now()

	_, err := PrepareAppend("Order-1", "", valid, now)
	assert.ErrorIs(t, err, ErrTenantMismatch)

	_, err = PrepareAppend("", "acme", valid, now)
	assert.ErrorIs(t, err, ErrStreamRequired)

	_, err = PrepareAppend("Order-1", "acme", nil, now)
	assert.ErrorIs(t, err, ErrNoEvents)

	_, err = PrepareAppend("Order-1", "acme", []EventData{{}}, now)
	assert.ErrorIs(t, err, ErrEventTypeRequired)

	_, err = PrepareAppend("Order-1", "acme", []EventData{{EventType: "X", TenantID: "globex"}}, now)
	var mismatch *TenantMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "acme", mismatch.Expected)
	assert.Equal(t, "globex", mismatch.Actual)
}

func TestRequireTenantRejectsSubjectTokens(t *testing.T) {
	for _, tenant := range []string{"acme.eu", "*", ">", "acme corp", "acme\t", "acme\n"} {
		err := RequireTenant(tenant)
		assert.ErrorIs(t, err, ErrTenantMismatch, "%q", tenant)
	}
	assert.NoError(t, RequireTenant("acme-eu_1"))

	_, err := PrepareAppend("Order-1", "acme.eu", []EventData{{EventType: "OrderPlaced"}}, time.Now())
	assert.ErrorIs(t, err, ErrTenantMismatch)
}

func TestRequireReadScope(t *testing.T) {
	assert.ErrorIs(t, RequireReadScope(ReadAllOptions{}), ErrTenantMismatch)
	assert.NoError(t, RequireReadScope(ReadAllOptions{TenantID: "acme"}))
	assert.NoError(t, RequireReadScope(ReadAllOptions{AllTenants: true}))
}

func TestSegmentOfIsStable(t *testing.T) {
	const total = 4
	counts := make([]int, total)
	for i := 0; i < 200; i++ {
		stream := StreamID("Order", fmt.Sprint(i))
		seg := SegmentOf(stream, total)
		require.GreaterOrEqual(t, seg, 0)
		require.Less(t, seg, total)
		require.Equal(t, seg, SegmentOf(stream, total))
		counts[seg]++
	}
	for seg, n := range counts {
		assert.NotZero(t, n, "segment %d received no streams", seg)
	}
	assert.Equal(t, 0, SegmentOf("anything", 1))
}

func TestTrackingToken(t *testing.T) {
	tok := TailToken
	assert.Equal(t, int64(0), tok.Position())
	tok = tok.Advance(5)
	assert.Equal(t, TrackingToken(5), tok)
	assert.Equal(t, TrackingToken(5), tok.Advance(3))
	assert.Equal(t, "5", tok.String())
}

func TestAppendResultVersions(t *testing.T) {
	res := AppendResult{Events: []PersistedEvent{
		{SequenceNumber: 4, GlobalSequenceID: 10},
		{SequenceNumber: 5, GlobalSequenceID: 12},
	}}
	assert.Equal(t, int64(4), res.FromVersion())
	assert.Equal(t, int64(5), res.ToVersion())
	assert.Equal(t, []int64{10, 12}, res.GlobalSequenceIDs())
	assert.Zero(t, AppendResult{}.ToVersion())
	assert.Equal(t, "Order-42", StreamID("Order", "42"))
}
