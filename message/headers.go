package message

// Envelope headers. Inbound requests carry the reply destination and the
// correlation token in headers rather than in the Command payload; outbound
// published messages carry the correlation identity of the request that
// triggered them.
const (
	HeaderReplyTo     = "reply-to"
	HeaderConvID      = "conv-id"
	HeaderContentType = "content-type"
	HeaderPublishID   = "publish-id"
	HeaderRequestID   = "request-id"
)
