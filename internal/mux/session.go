package mux

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"meshnode/internal/transport"
)

// Defaults from spec.md §4.3.1.
const (
	DefaultWindow     = 256 << 10
	pingInterval      = 15 * time.Second
	keepaliveTimeout  = 30 * time.Second
	maxStreams        = 4096
)

var (
	ErrProtocolViolation  = errors.New("mux: protocol violation")
	ErrSessionClosed      = errors.New("mux: session closed")
	ErrKeepaliveTimeout   = errors.New("mux: keepalive timeout")
	ErrStreamReset        = errors.New("mux: stream reset by peer")
	ErrTooManyStreams     = errors.New("mux: stream limit exceeded")
	ErrStreamAlreadyExist = errors.New("mux: stream id already in use")
)

// Session multiplexes many logical Streams over one transport.Conn
// (spec.md §4.3). One mux frame maps to exactly one transport frame;
// see frame.go's package doc for why that's sufficient here.
type Session struct {
	conn      *transport.Conn
	initiator bool

	mu         sync.Mutex
	streams    map[uint32]*Stream
	nextID     uint32
	closed     bool
	closeErr   error
	acceptCh   chan *Stream

	windowUpdated chan struct{} // broadcast-ish: closed+replaced on window grants
	writable      chan uint32   // stream IDs with data ready, consumed by writer loop
	closeCh       chan struct{}

	lastPingSent time.Time
	lastActivity time.Time
	pingMu       sync.Mutex
}

// NewSession wraps an established transport.Conn. initiator must match
// the role used for the transport handshake: it decides stream ID
// parity (odd for the initiator, even for the responder, per spec.md
// §4.3). Both roles run the keepalive PING loop.
func NewSession(conn *transport.Conn, initiator bool) *Session {
	s := &Session{
		conn:          conn,
		initiator:     initiator,
		streams:       make(map[uint32]*Stream),
		acceptCh:      make(chan *Stream, 16),
		windowUpdated: make(chan struct{}),
		writable:      make(chan uint32, maxStreams),
		closeCh:       make(chan struct{}),
		lastActivity:  timeNow(),
	}
	if initiator {
		s.nextID = 1
	} else {
		s.nextID = 2
	}
	go s.readLoop()
	go s.writeLoop()
	go s.keepaliveLoop()
	return s
}

// timeNow exists only so tests could substitute it if ever needed; the
// session itself always uses wall-clock time.
func timeNow() time.Time { return time.Now() }

func (s *Session) allocStreamID() uint32 {
	id := s.nextID
	s.nextID += 2
	return id
}

// OpenStream starts a new outbound stream. The SYN flag rides on the
// first data frame, or on the bare FIN frame Close sends if Write is
// never called; a stream that is neither written nor closed sends nothing.
func (s *Session) OpenStream() (*Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if len(s.streams) >= maxStreams {
		s.mu.Unlock()
		return nil, ErrTooManyStreams
	}
	id := s.allocStreamID()
	st := newStream(id, s, stateSynSent)
	s.streams[id] = st
	s.mu.Unlock()
	return st, nil
}

// AcceptStream blocks until a peer-opened stream arrives or the session
// closes.
func (s *Session) AcceptStream() (*Stream, error) {
	select {
	case st := <-s.acceptCh:
		return st, nil
	case <-s.closeCh:
		return nil, ErrSessionClosed
	}
}

func (s *Session) notifyWritable(streamID uint32) {
	select {
	case s.writable <- streamID:
	case <-s.closeCh:
	}
}

func (s *Session) sendWindowUpdate(streamID, inc uint32) {
	h := header{typ: typeWindowUpdate, streamID: streamID}
	frame := encodeFrame(h, encodeWindowIncrement(inc))
	_ = s.conn.WriteFrame(frame)
}

func (s *Session) sendRST(streamID uint32) error {
	h := header{typ: typeData, flags: flagRST, streamID: streamID}
	return s.conn.WriteFrame(encodeFrame(h, nil))
}

// writeLoop is the single writer goroutine: it round-robins across
// streams with pending data, sending at most one maxChunk-sized frame
// per stream per pass, giving every active stream a fair share of the
// connection (spec.md §4.3 fairness).
func (s *Session) writeLoop() {
	var order []uint32
	pos := 0
	for {
		// Block for a notification only when no stream is left with
		// pending data from the previous pass.
		if len(order) == 0 {
			select {
			case id := <-s.writable:
				order = appendIfMissing(order, id)
			case <-s.closeCh:
				return
			}
		}

		// Drain whatever else is queued without blocking, so a burst of
		// notifications collapses into one scheduling pass.
		drained := true
		for drained {
			select {
			case id := <-s.writable:
				order = appendIfMissing(order, id)
			default:
				drained = false
			}
		}

		if len(order) == 0 {
			continue
		}
		progressed := false
		remaining := order[:0]
		for _, id := range order {
			s.mu.Lock()
			st, ok := s.streams[id]
			s.mu.Unlock()
			if !ok {
				continue
			}
			chunk, syn, fin, hasWork := st.nextSendChunk()
			if !hasWork {
				continue
			}
			progressed = true
			var fl flags
			if syn {
				fl |= flagSYN
			}
			if fin {
				fl |= flagFIN
			}
			h := header{typ: typeData, flags: fl, streamID: id}
			if err := s.conn.WriteFrame(encodeFrame(h, chunk)); err != nil {
				s.closeWithErr(fmt.Errorf("%w: %v", ErrSessionClosed, err))
				return
			}
			st.mu.Lock()
			stillPending := st.hasPendingLocked()
			st.mu.Unlock()
			if stillPending {
				remaining = append(remaining, id)
			}
		}
		order = remaining
		if !progressed {
			order = order[:0]
		}
		pos = 0
		_ = pos
	}
}

func appendIfMissing(order []uint32, id uint32) []uint32 {
	for _, existing := range order {
		if existing == id {
			return order
		}
	}
	return append(order, id)
}

// readLoop is the single reader goroutine: it decodes mux frames off
// the transport and dispatches them to the owning stream, creating new
// inbound streams on SYN.
func (s *Session) readLoop() {
	for {
		raw, err := s.conn.ReadFrame()
		if err != nil {
			s.closeWithErr(fmt.Errorf("%w: %v", ErrSessionClosed, err))
			return
		}
		s.touch()
		h, body, err := decodeFrame(raw)
		if err != nil {
			s.closeWithErr(err)
			return
		}
		switch h.typ {
		case typeData:
			s.handleDataFrame(h, body)
		case typeWindowUpdate:
			inc, err := decodeWindowIncrement(body)
			if err != nil {
				s.closeWithErr(err)
				return
			}
			s.mu.Lock()
			st := s.streams[h.streamID]
			s.mu.Unlock()
			if st != nil {
				st.handleWindowUpdate(inc)
				s.broadcastWindowUpdate()
			}
		case typePing:
			if h.flags&flagACK == 0 {
				pingH := header{typ: typePing, flags: flagACK}
				_ = s.conn.WriteFrame(encodeFrame(pingH, nil))
			}
		case typeGoAway:
			s.closeWithErr(fmt.Errorf("%w: peer sent GO_AWAY", ErrSessionClosed))
			return
		default:
			s.closeWithErr(fmt.Errorf("%w: unknown frame type %d", ErrProtocolViolation, h.typ))
			return
		}
	}
}

func (s *Session) handleDataFrame(h header, body []byte) {
	if h.flags&flagRST != 0 {
		s.mu.Lock()
		st := s.streams[h.streamID]
		s.mu.Unlock()
		if st != nil {
			st.handleReset(ErrStreamReset)
		}
		return
	}

	s.mu.Lock()
	st, ok := s.streams[h.streamID]
	if !ok {
		if h.flags&flagSYN == 0 {
			s.mu.Unlock()
			// Data for an unknown, non-SYN stream: ignore rather than
			// kill the whole session, a late frame for an already-reset
			// stream is expected under concurrent close.
			return
		}
		if len(s.streams) >= maxStreams {
			s.mu.Unlock()
			return
		}
		st = newStream(h.streamID, s, stateSynRecv)
		s.streams[h.streamID] = st
		s.mu.Unlock()
		select {
		case s.acceptCh <- st:
		case <-s.closeCh:
			return
		}
	} else {
		s.mu.Unlock()
	}
	st.handleData(body, h.flags&flagFIN != 0)
}

func (s *Session) broadcastWindowUpdate() {
	s.mu.Lock()
	old := s.windowUpdated
	s.windowUpdated = make(chan struct{})
	s.mu.Unlock()
	close(old)
}

func (s *Session) touch() {
	s.pingMu.Lock()
	s.lastActivity = timeNow()
	s.pingMu.Unlock()
}

// keepaliveLoop sends a PING every pingInterval and closes the session
// if no traffic (including PING ACKs) has been seen within
// keepaliveTimeout (spec.md §4.3.1).
func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.pingMu.Lock()
			idle := timeNow().Sub(s.lastActivity)
			s.pingMu.Unlock()
			if idle > keepaliveTimeout {
				s.closeWithErr(ErrKeepaliveTimeout)
				return
			}
			h := header{typ: typePing}
			if err := s.conn.WriteFrame(encodeFrame(h, nil)); err != nil {
				s.closeWithErr(fmt.Errorf("%w: %v", ErrSessionClosed, err))
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

func (s *Session) closeWithErr(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = err
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()
	close(s.closeCh)
	for _, st := range streams {
		st.handleReset(err)
	}
	_ = s.conn.Close()
}

// Close sends GO_AWAY and tears down the session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	h := header{typ: typeGoAway}
	_ = s.conn.WriteFrame(encodeFrame(h, nil))
	s.closeWithErr(ErrSessionClosed)
	return nil
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}
