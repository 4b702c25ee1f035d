package tracing

// Span attribute keys for invocation tracing.
const (
	// Invocation attributes
	AttrInvocationID   = "invocation.id"
	AttrInvocationKind = "invocation.kind" // "discovery" or "run"
	AttrTargetCount    = "invocation.target_count"

	// Interpreter process attributes
	AttrProcessPID  = "process.pid"
	AttrProcessPath = "process.path"

	// Run attributes
	AttrRunTotal   = "run.total"
	AttrRunPassed  = "run.passed"
	AttrRunFailed  = "run.failed"
	AttrRunSkipped = "run.skipped"

	// Error attributes
	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span names.
const (
	SpanDiscovery = "pestle.discover"
	SpanRun       = "pestle.run"
	SpanSpawn     = "pestle.spawn"
)

// Event names for span events.
const (
	EventProcessSpawned  = "process.spawned"
	EventProcessReset    = "process.reset"
	EventSentinelMatched = "sentinel.matched"
	EventRecordRejected  = "record.rejected"
)
