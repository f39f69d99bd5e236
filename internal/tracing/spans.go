package tracing

// Span attribute keys used across the dispatcher and protocol clients.
const (
	// Event attributes
	AttrEventKind = "event.kind"

	// Command attributes
	AttrCommandName = "command.name"

	// Request attributes
	AttrRequestID = "request.id"
	AttrProfileID = "profile.id"

	// Language-server attributes
	AttrLspMethod = "lsp.method"

	// Error attributes
	AttrErrorMessage = "error.message"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixDispatch = "dispatch."
	SpanPrefixCommand  = "command."
)
