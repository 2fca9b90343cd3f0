package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aff4/aff4container/internal/config"
)

// EventType represents the kind of container lifecycle event being logged.
type EventType string

const (
	// EventTypeContainerOpen represents opening or creating a container.
	EventTypeContainerOpen EventType = "container_open"
	// EventTypeStreamWrite represents writing a logical stream into a container.
	EventTypeStreamWrite EventType = "stream_write"
	// EventTypeStreamRead represents reading a stream back out of a container.
	EventTypeStreamRead EventType = "stream_read"
	// EventTypeKeyWrap represents wrapping a volume encryption key into a key bag.
	EventTypeKeyWrap EventType = "key_wrap"
	// EventTypeKeyUnwrap represents recovering a volume encryption key from a key bag.
	EventTypeKeyUnwrap EventType = "key_unwrap"
	// EventTypeVerify represents a linear hash verification pass over a stream.
	EventTypeVerify EventType = "verify"
	// EventTypeAccess represents a general access operation not covered above.
	EventTypeAccess EventType = "access"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp     time.Time              `json:"timestamp"`
	EventType     EventType              `json:"event_type"`
	Operation     string                 `json:"operation"`
	ContainerPath string                 `json:"container_path,omitempty"`
	StreamURN     string                 `json:"stream_urn,omitempty"`
	Algorithm     string                 `json:"algorithm,omitempty"`
	Success       bool                   `json:"success"`
	Error         string                 `json:"error,omitempty"`
	Duration      time.Duration          `json:"duration_ms"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogContainerOpen logs a container create/open operation.
	LogContainerOpen(containerPath string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogStreamWrite logs a logical stream being written into a container.
	LogStreamWrite(containerPath, streamURN, algorithm string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogStreamRead logs a stream being read back out of a container.
	LogStreamRead(containerPath, streamURN, algorithm string, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogKeyOperation logs a key-wrap or key-unwrap operation against an
	// encrypted stream's key bag.
	LogKeyOperation(eventType EventType, containerPath, streamURN string, success bool, err error)

	// LogVerify logs a linear hash verification pass.
	LogVerify(containerPath, streamURN, algorithm string, success bool, err error, duration time.Duration)

	// LogAccess logs a general access operation.
	LogAccess(operation, containerPath, streamURN string, success bool, err error, duration time.Duration)

	// GetEvents returns all audit events (for testing/querying).
	GetEvents() []*AuditEvent

	// Close closes the logger and its underlying writer.
	Close() error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu         sync.Mutex
	events     []*AuditEvent
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates a new audit logger with redaction keys.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &defaultWriter{}
	}

	return &auditLogger{
		events:     make([]*AuditEvent, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// NewLoggerFromConfig creates a new audit logger from configuration.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	var writer EventWriter

	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &defaultWriter{}
	default:
		return nil, fmt.Errorf("audit: unknown sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}

	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys), nil
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return nil
}

// Close closes the logger and its underlying writer.
func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// redactMetadata removes sensitive keys from metadata.
func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	needsRedaction := false
	for _, k := range l.redactKeys {
		if _, ok := metadata[k]; ok {
			needsRedaction = true
			break
		}
	}
	if !needsRedaction {
		return metadata
	}

	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}

// LogContainerOpen logs a container create/open operation.
func (l *auditLogger) LogContainerOpen(containerPath string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp:     time.Now(),
		EventType:     EventTypeContainerOpen,
		Operation:     "container_open",
		ContainerPath: containerPath,
		Success:       success,
		Duration:      duration,
		Metadata:      l.redactMetadata(metadata),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogStreamWrite logs a logical stream being written into a container.
func (l *auditLogger) LogStreamWrite(containerPath, streamURN, algorithm string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp:     time.Now(),
		EventType:     EventTypeStreamWrite,
		Operation:     "stream_write",
		ContainerPath: containerPath,
		StreamURN:     streamURN,
		Algorithm:     algorithm,
		Success:       success,
		Duration:      duration,
		Metadata:      l.redactMetadata(metadata),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogStreamRead logs a stream being read back out of a container.
func (l *auditLogger) LogStreamRead(containerPath, streamURN, algorithm string, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	event := &AuditEvent{
		Timestamp:     time.Now(),
		EventType:     EventTypeStreamRead,
		Operation:     "stream_read",
		ContainerPath: containerPath,
		StreamURN:     streamURN,
		Algorithm:     algorithm,
		Success:       success,
		Duration:      duration,
		Metadata:      l.redactMetadata(metadata),
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogKeyOperation logs a key-wrap or key-unwrap operation against an
// encrypted stream's key bag.
func (l *auditLogger) LogKeyOperation(eventType EventType, containerPath, streamURN string, success bool, err error) {
	event := &AuditEvent{
		Timestamp:     time.Now(),
		EventType:     eventType,
		Operation:     string(eventType),
		ContainerPath: containerPath,
		StreamURN:     streamURN,
		Success:       success,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogVerify logs a linear hash verification pass.
func (l *auditLogger) LogVerify(containerPath, streamURN, algorithm string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp:     time.Now(),
		EventType:     EventTypeVerify,
		Operation:     "verify",
		ContainerPath: containerPath,
		StreamURN:     streamURN,
		Algorithm:     algorithm,
		Success:       success,
		Duration:      duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// LogAccess logs a general access operation.
func (l *auditLogger) LogAccess(operation, containerPath, streamURN string, success bool, err error, duration time.Duration) {
	event := &AuditEvent{
		Timestamp:     time.Now(),
		EventType:     EventTypeAccess,
		Operation:     operation,
		ContainerPath: containerPath,
		StreamURN:     streamURN,
		Success:       success,
		Duration:      duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(event)
}

// GetEvents returns all audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// defaultWriter is a default implementation that writes to stdout as JSON.
type defaultWriter struct{}

func (w *defaultWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshaling event: %w", err)
	}
	fmt.Printf("%s\n", string(data))
	return nil
}
