package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Standard Tracing Fields (Context level)
// These fields are propagated through the call chain
// ============================================

const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldJobID is the orchestrated job ID
	FieldJobID = "job_id"

	// FieldWorkItemID is the work item ID
	FieldWorkItemID = "work_item_id"

	// FieldServiceID is the worker service a work item belongs to
	FieldServiceID = "service_id"

	// FieldStepIndex is the workflow step index
	FieldStepIndex = "step_index"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldWorkerID is the poller identity inside a worker process
	FieldWorkerID = "worker_id"
)

// ============================================
// Standard Metric Fields (Entry level)
// These fields are used for aggregation and alerting
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"
)
