package tunnel

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Side determines which half of the stream id space a session allocates
// from, so both ends can create streams without collision.
type Side int

const (
	// Initiator allocates odd stream ids (the side that dialed out).
	Initiator Side = iota
	// Responder allocates even stream ids.
	Responder
)

// DefaultMaxFramePayload is the per-frame payload ceiling used when the
// options leave it zero.
const DefaultMaxFramePayload = 256 * 1024

// Wire format per physical message: [4-byte big-endian stream id][1-byte
// flag][payload]. Streams open implicitly on the first data frame.
const headerSize = 5

const (
	flagData byte = iota
	flagClose
)

// Options configures a Session.
type Options struct {
	// Side selects the stream id parity. Defaults to Initiator.
	Side Side
	// MaxFramePayload overrides DefaultMaxFramePayload when positive.
	MaxFramePayload int
}

// Sink receives outbound physical-connection messages.
type Sink func(data []byte) error

type session struct {
	sink Sink
	side Side
	max  int

	mu       sync.Mutex
	closed   bool
	streams  map[uint32]*stream
	nextID   uint32
	onStream func(Stream)
	onNextID func(uint32)
}

// NewSession creates a session that writes outbound messages through sink.
func NewSession(sink Sink, opts Options) Session {
	max := opts.MaxFramePayload
	if max <= 0 {
		max = DefaultMaxFramePayload
	}
	first := uint32(1)
	if opts.Side == Responder {
		first = 2
	}
	return &session{
		sink:    sink,
		side:    opts.Side,
		max:     max,
		streams: make(map[uint32]*stream),
		nextID:  first,
	}
}

func (s *session) MaxFramePayload() int { return s.max }

func (s *session) NextStreamID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID
}

func (s *session) SetNextStreamID(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id > s.nextID {
		s.nextID = id
	}
}

func (s *session) OnNextStreamIDChange(fn func(uint32)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onNextID = fn
}

func (s *session) OnStream(fn func(Stream)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStream = fn
}

func (s *session) CreateStream() (Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session closed")
	}
	id := s.nextID
	s.nextID += 2
	next := s.nextID
	st := newStream(s, id)
	s.streams[id] = st
	onNextID := s.onNextID
	s.mu.Unlock()

	if onNextID != nil {
		onNextID(next)
	}
	return st, nil
}

// Stream returns the stream registered under id, creating a handle when the
// id is not yet tracked. This covers writing to a peer-created stream before
// any frame from the peer has arrived.
func (s *session) Stream(id uint32) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("session closed")
	}
	if st, ok := s.streams[id]; ok {
		return st, nil
	}
	st := newStream(s, id)
	s.streams[id] = st
	return st, nil
}

// HandleMessage decodes one physical message and delivers it to the owning
// stream, implicitly opening peer-created streams.
func (s *session) HandleMessage(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("short transport frame: %d bytes", len(data))
	}
	id := binary.BigEndian.Uint32(data[:4])
	flag := data[4]
	payload := data[headerSize:]

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session closed")
	}
	st, ok := s.streams[id]
	var onStream func(Stream)
	if !ok {
		if flag == flagClose {
			// Close for a stream we no longer track; nothing to do.
			s.mu.Unlock()
			return nil
		}
		st = newStream(s, id)
		s.streams[id] = st
		onStream = s.onStream
	}
	s.mu.Unlock()

	if onStream != nil {
		onStream(st)
	}

	switch flag {
	case flagData:
		st.deliver(payload)
	case flagClose:
		s.removeStream(id)
		st.closeLocal(nil)
	default:
		return fmt.Errorf("unknown transport flag %d on stream %d", flag, id)
	}
	return nil
}

func (s *session) removeStream(id uint32) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

func (s *session) send(id uint32, flag byte, payload []byte) error {
	if len(payload) > s.max {
		return fmt.Errorf("frame payload %d exceeds transport maximum %d", len(payload), s.max)
	}
	msg := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(msg[:4], id)
	msg[4] = flag
	copy(msg[headerSize:], payload)
	return s.sink(msg)
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	streams := make([]*stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.streams = make(map[uint32]*stream)
	s.mu.Unlock()

	for _, st := range streams {
		st.closeLocal(fmt.Errorf("session closed"))
	}
	return nil
}

type stream struct {
	sess *session
	id   uint32

	mu      sync.Mutex
	onData  func([]byte)
	onClose func()
	onError func(error)
	pending [][]byte
	closed  bool
}

func newStream(s *session, id uint32) *stream {
	return &stream{sess: s, id: id}
}

func (st *stream) ID() uint32 { return st.id }

func (st *stream) Write(payload []byte) error {
	st.mu.Lock()
	closed := st.closed
	st.mu.Unlock()
	if closed {
		return fmt.Errorf("stream %d closed", st.id)
	}
	return st.sess.send(st.id, flagData, payload)
}

func (st *stream) WriteTyped(frameType byte, payload []byte) error {
	frame := make([]byte, 1+len(payload))
	frame[0] = frameType
	copy(frame[1:], payload)
	return st.Write(frame)
}

func (st *stream) OnData(fn func([]byte)) {
	st.mu.Lock()
	st.onData = fn
	pending := st.pending
	st.pending = nil
	st.mu.Unlock()

	for _, data := range pending {
		fn(data)
	}
}

func (st *stream) OnClose(fn func()) {
	st.mu.Lock()
	st.onClose = fn
	st.mu.Unlock()
}

func (st *stream) OnError(fn func(error)) {
	st.mu.Lock()
	st.onError = fn
	st.mu.Unlock()
}

func (st *stream) deliver(data []byte) {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	fn := st.onData
	if fn == nil {
		// Copy: the payload aliases the inbound message buffer.
		buf := make([]byte, len(data))
		copy(buf, data)
		st.pending = append(st.pending, buf)
		st.mu.Unlock()
		return
	}
	st.mu.Unlock()
	fn(data)
}

// Close tears the stream down from the owning side and notifies the peer.
func (st *stream) Close() error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.mu.Unlock()

	// Best effort: the physical connection may already be gone.
	_ = st.sess.send(st.id, flagClose, nil)
	st.sess.removeStream(st.id)
	st.closeLocal(nil)
	return nil
}

// closeLocal marks the stream closed and fires callbacks exactly once.
func (st *stream) closeLocal(err error) {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	onClose := st.onClose
	onError := st.onError
	st.mu.Unlock()

	if err != nil && onError != nil {
		onError(err)
	}
	if onClose != nil {
		onClose()
	}
}
