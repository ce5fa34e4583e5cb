package handlers

import "github.com/drblury/rabbitflow/broker"

// Metadata key constants used throughout rabbitflow.
// These keys are reserved and should not be used for custom metadata.
const (
	// MetadataKeyCorrelationID tracks related messages across services.
	MetadataKeyCorrelationID = "correlation_id"

	// MetadataKeyMessageID carries the broker message id when one was sent.
	MetadataKeyMessageID = "message_id"

	// MetadataKeyContentType is filled from the AMQP content type property.
	MetadataKeyContentType = "content_type"

	// MetadataKeyEncoding is the payload encoding announced by the publisher.
	MetadataKeyEncoding = broker.EncodingHeader

	// MetadataKeyEventSchema identifies the Go or proto type of an emitted payload.
	MetadataKeyEventSchema = "event_message_schema"

	// MetadataKeyTraceID stores distributed tracing ID.
	MetadataKeyTraceID = "trace_id"

	// MetadataKeySpanID stores distributed tracing span ID.
	MetadataKeySpanID = "span_id"
)
