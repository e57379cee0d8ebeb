package types

// SessionID is the process-wide epoch counter value. It increments on
// every successful substream-0 connect of any stream; a message stamped
// with an older session is never honored.
type SessionID uint64

// Message is an opaque request/response payload. The only field the
// connection core cares about is SessionID: once the upper layer stamps
// a SessionID on a message, sending that message on a stream whose
// current session differs must fail with InvalidSession.
//
// Payload is left as []byte: this module does not implement the wire
// codec, it only ever forwards Payload to the Transport capability.
type Message struct {
	Payload   []byte
	SessionID SessionID

	// Raw, if true, tells the socket layer the associated handler wants
	// to stream the response body directly into its own buffer rather
	// than have the core buffer it. Set by InstallIncHandler.
	Raw bool

	// Partial marks an inbound response as a non-final chunk (kXR_oksofar
	// framing, or a kXR_status body whose response-type is PartialResult).
	// The wire codec sets this before handing the message to OnIncoming.
	Partial bool
}

// HasSession reports whether the message has been stamped with a
// session by the upper layer.
func (m *Message) HasSession() bool {
	return m != nil && m.SessionID != 0
}
