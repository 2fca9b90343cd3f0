package audit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memWriter struct {
	events []*AuditEvent
}

func (w *memWriter) WriteEvent(e *AuditEvent) error {
	w.events = append(w.events, e)
	return nil
}

func TestLogStreamWriteRecordsEventFields(t *testing.T) {
	w := &memWriter{}
	l := NewLogger(10, w)

	l.LogStreamWrite("/tmp/case.aff4", "aff4://stream1", "xts-aes256", true, nil, 5*time.Millisecond, nil)

	events := l.GetEvents()
	require.Len(t, events, 1)
	require.Equal(t, EventTypeStreamWrite, events[0].EventType)
	require.Equal(t, "/tmp/case.aff4", events[0].ContainerPath)
	require.Equal(t, "aff4://stream1", events[0].StreamURN)
	require.True(t, events[0].Success)
	require.Empty(t, events[0].Error)
}

func TestLogKeyOperationRecordsFailure(t *testing.T) {
	w := &memWriter{}
	l := NewLogger(10, w)

	l.LogKeyOperation(EventTypeKeyUnwrap, "/tmp/case.aff4", "aff4://enc1", false, errors.New("bad password"))

	events := l.GetEvents()
	require.Len(t, events, 1)
	require.Equal(t, EventTypeKeyUnwrap, events[0].EventType)
	require.False(t, events[0].Success)
	require.Equal(t, "bad password", events[0].Error)
}

func TestGetEventsRespectsMaxEvents(t *testing.T) {
	l := NewLogger(2, &memWriter{})
	l.LogAccess("open", "a", "", true, nil, 0)
	l.LogAccess("open", "b", "", true, nil, 0)
	l.LogAccess("open", "c", "", true, nil, 0)

	events := l.GetEvents()
	require.Len(t, events, 2)
	require.Equal(t, "b", events[0].ContainerPath)
	require.Equal(t, "c", events[1].ContainerPath)
}

func TestRedactMetadataKeysHideSensitiveValues(t *testing.T) {
	l := NewLoggerWithRedaction(10, &memWriter{}, []string{"password"})
	l.LogStreamWrite("a", "s", "xts", true, nil, 0, map[string]interface{}{"password": "hunter2", "other": "keep"})

	events := l.GetEvents()
	require.Equal(t, "[REDACTED]", events[0].Metadata["password"])
	require.Equal(t, "keep", events[0].Metadata["other"])
}
