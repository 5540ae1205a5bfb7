package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Service
	FieldService = "service"

	// Object store
	FieldBucket = "bucket"
	FieldObject = "object"
	FieldSize   = "size"

	// Message bus
	FieldTopic     = "topic"
	FieldMessageID = "message_id"
	FieldAttempt   = "attempt"

	// Pipeline
	FieldStage  = "stage"
	FieldResult = "result"
	FieldEvent  = "event"

	// Log type (for audit and notification records)
	FieldLogType        = "log_type"
	LogTypeAudit        = "audit"
	LogTypeNotification = "notification"
)
