// Package tunnel models the stream-multiplexing transport that carries many
// independently-ordered logical streams over one physical byte channel. The
// compute server and worker client only see the Session and Stream
// interfaces; a compact default implementation is provided so the two
// binaries interoperate and tests can link two sessions in process.
package tunnel

// Stream is one independently-ordered logical channel over the shared
// transport. A stream is owned by whichever side created it until closed.
// Callbacks are invoked from the session's delivery path; handlers must not
// block indefinitely.
type Stream interface {
	// ID is the stream's numeric identity, unique for the lifetime of one
	// physical connection and never reused while open.
	ID() uint32

	// Write sends one raw frame on the stream. The payload must not exceed
	// MaxFramePayload; oversized writes fail without being sent.
	Write(payload []byte) error

	// WriteTyped sends a [type byte][payload] frame. The type byte counts
	// against the frame budget.
	WriteTyped(frameType byte, payload []byte) error

	// OnData registers the delivery callback. Frames received before the
	// callback is registered are buffered and flushed in order.
	OnData(fn func(data []byte))

	// OnClose registers a callback fired exactly once when the stream
	// closes, from either side or on session teardown.
	OnClose(fn func())

	// OnError registers a callback for transport-level stream errors.
	OnError(fn func(err error))

	// Close tears the stream down and notifies the peer. Idempotent.
	Close() error
}

// Session multiplexes streams over one physical connection. Inbound physical
// bytes are fed through HandleMessage; outbound bytes leave through the sink
// supplied at construction.
type Session interface {
	// CreateStream opens a new locally-owned stream.
	CreateStream() (Stream, error)

	// Stream returns the stream with the given id, registering a handle
	// for a peer-owned id that has not carried traffic yet.
	Stream(id uint32) (Stream, error)

	// OnStream registers the callback invoked when the peer opens a stream.
	OnStream(fn func(Stream))

	// HandleMessage feeds one physical-connection message into the session.
	HandleMessage(data []byte) error

	// MaxFramePayload is the transport's hard per-frame payload ceiling.
	// Frames over the ceiling are rejected outright, never split here;
	// splitting is the emitting component's job.
	MaxFramePayload() int

	// NextStreamID returns the id the next CreateStream call will use.
	NextStreamID() uint32

	// SetNextStreamID advances the local stream id counter, used after a
	// reconnect to guarantee ids are never reused while open.
	SetNextStreamID(id uint32)

	// OnNextStreamIDChange registers a callback fired whenever the local
	// counter advances, so the owner can persist it.
	OnNextStreamIDChange(fn func(id uint32))

	// Close tears down the session and every open stream.
	Close() error
}
