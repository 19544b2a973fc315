package constant

// Outbox message types published by the platform.
const (
	// MessageTypeCommandExecuted signals a panel console command was recorded.
	MessageTypeCommandExecuted = "console.command.executed"
	// MessageTypeCommandBlocked signals a panel console command was rejected by policy.
	MessageTypeCommandBlocked = "console.command.blocked"
	// MessageTypeServerStateChanged signals a game server power-state transition.
	MessageTypeServerStateChanged = "server.state.changed"
	// MessageTypeModDownloadRecorded signals a workshop mod download was tallied.
	MessageTypeModDownloadRecorded = "server.mod.download_recorded"
)

// AMQP headers attached to published messages. Consumers rely on these for
// idempotent processing and trace continuity.
const (
	// HeaderMessageID carries the outbox message identifier.
	HeaderMessageID = "x-message-id"
	// HeaderAggregateKey carries the per-server ordering key.
	HeaderAggregateKey = "x-aggregate-key"
	// HeaderMessageType carries the message type for routing and dispatch.
	HeaderMessageType = "x-message-type"
)

// HeaderID is the request identifier header key.
const HeaderID = "X-Request-Id"
