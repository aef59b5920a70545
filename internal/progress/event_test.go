package progress

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEventValidate(t *testing.T) {
	t.Parallel()

	id := UUIDToBytes(uuid.New())
	now := time.Now()
	tests := []struct {
		name    string
		evt     Event
		wantErr string
	}{
		{"valid start", Event{RequestID: id, TS: now, Stage: StageArchiveStart}, ""},
		{"missing id", Event{TS: now, Stage: StageArchiveStart}, "request id"},
		{"missing ts", Event{RequestID: id, Stage: StageArchiveStart}, "timestamp"},
		{"wayback without class", Event{RequestID: id, TS: now, Stage: StageWaybackDone}, "status class"},
		{"wayback with class", Event{RequestID: id, TS: now, Stage: StageWaybackDone, StatusClass: Status3xx}, ""},
		{"error without kind", Event{RequestID: id, TS: now, Stage: StageArchiveError}, "kind"},
		{"unknown stage", Event{RequestID: id, TS: now, Stage: "NOPE"}, "unknown stage"},
		{"negative duration", Event{RequestID: id, TS: now, Stage: StageArchiveDone, Dur: -time.Second}, "duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.evt.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, Status2xx, ClassifyStatus(201))
	require.Equal(t, Status3xx, ClassifyStatus(302))
	require.Equal(t, Status4xx, ClassifyStatus(422))
	require.Equal(t, Status5xx, ClassifyStatus(503))
	require.Equal(t, StatusOther, ClassifyStatus(0))
}

func TestRequestUUIDRoundTrip(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	evt := Event{RequestID: UUIDToBytes(id)}
	require.Equal(t, id, evt.RequestUUID())
	require.True(t, StageArchiveError.Terminal())
	require.False(t, StageWaybackDone.Terminal())
}
