package mux

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

type streamState int

const (
	stateSynSent streamState = iota
	stateSynRecv
	stateEstablished
	stateFinSent
	stateFinRecv
	stateClosed
)

// Stream is one logical bidirectional channel inside a Session
// (spec.md §4.3).
type Stream struct {
	id      uint32
	session *Session

	mu         sync.Mutex
	state      streamState
	sentSyn    bool
	recvClosed bool // FIN or RST observed from peer
	sendClosed bool // we sent FIN or RST
	resetErr   error

	recvBuf     bytes.Buffer
	recvReady   chan struct{}
	recvWindow  uint32 // recvGranted minus bytes read since the last WINDOW_UPDATE
	recvGranted uint32 // initial grant, for computing top-ups

	sendWindow  uint32 // bytes we may still send the peer
	sendPending [][]byte
	sendClosing bool // FIN queued to go out once sendPending drains
}

func newStream(id uint32, s *Session, state streamState) *Stream {
	return &Stream{
		id:          id,
		session:     s,
		state:       state,
		recvReady:   make(chan struct{}, 1),
		recvWindow:  DefaultWindow,
		recvGranted: DefaultWindow,
		sendWindow:  DefaultWindow,
	}
}

func (st *Stream) ID() uint32 { return st.id }

func (st *Stream) signalRecv() {
	select {
	case st.recvReady <- struct{}{}:
	default:
	}
}

// Read returns bytes received on this stream, blocking until data is
// available, FIN is observed (io.EOF), or the stream is reset.
func (st *Stream) Read(p []byte) (int, error) {
	for {
		st.mu.Lock()
		if st.recvBuf.Len() > 0 {
			n, _ := st.recvBuf.Read(p)
			consumed := uint32(n)
			st.maybeSendWindowUpdateLocked(consumed)
			st.mu.Unlock()
			return n, nil
		}
		if st.resetErr != nil {
			err := st.resetErr
			st.mu.Unlock()
			return 0, err
		}
		if st.recvClosed {
			st.mu.Unlock()
			return 0, io.EOF
		}
		st.mu.Unlock()

		select {
		case <-st.recvReady:
		case <-st.session.closeCh:
			return 0, ErrSessionClosed
		}
	}
}

// maybeSendWindowUpdateLocked grants more receive window back to the
// peer once half of it has been consumed (spec.md §4.3 flow control).
func (st *Stream) maybeSendWindowUpdateLocked(consumed uint32) {
	if consumed > st.recvWindow {
		consumed = st.recvWindow
	}
	st.recvWindow -= consumed
	if st.recvWindow <= st.recvGranted/2 {
		inc := st.recvGranted - st.recvWindow
		st.recvWindow = st.recvGranted
		go st.session.sendWindowUpdate(st.id, inc)
	}
}

const maxChunk = 16 << 10 // fairness chunk size, spec.md §4.3

// Write chunks p at maxChunk boundaries and queues it for the session's
// fair round-robin writer, blocking while the peer's advertised window
// is exhausted.
func (st *Stream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > maxChunk {
			n = maxChunk
		}
		chunk := p[:n]
		if err := st.enqueueChunk(chunk); err != nil {
			return total, err
		}
		total += n
		p = p[n:]
	}
	return total, nil
}

func (st *Stream) enqueueChunk(chunk []byte) error {
	for {
		st.mu.Lock()
		if st.resetErr != nil {
			err := st.resetErr
			st.mu.Unlock()
			return err
		}
		if st.sendClosed {
			st.mu.Unlock()
			return errors.New("mux: stream closed for writing")
		}
		if st.sendWindow >= uint32(len(chunk)) {
			st.sendWindow -= uint32(len(chunk))
			cp := append([]byte(nil), chunk...)
			st.sendPending = append(st.sendPending, cp)
			st.mu.Unlock()
			st.session.notifyWritable(st.id)
			return nil
		}
		st.mu.Unlock()
		select {
		case <-st.session.windowUpdated:
		case <-st.session.closeCh:
			return ErrSessionClosed
		}
	}
}

// Close sends FIN once pending data drains.
func (st *Stream) Close() error {
	st.mu.Lock()
	if st.sendClosed {
		st.mu.Unlock()
		return nil
	}
	st.sendClosing = true
	st.mu.Unlock()
	st.session.notifyWritable(st.id)
	return nil
}

// Reset aborts the stream immediately with RST, unblocking any pending
// local Read with ErrStreamReset rather than waiting on the peer to
// echo anything back.
func (st *Stream) Reset() error {
	st.mu.Lock()
	if st.sendClosed {
		st.mu.Unlock()
		return nil
	}
	st.sendClosed = true
	st.state = stateClosed
	if st.resetErr == nil {
		st.resetErr = ErrStreamReset
	}
	st.mu.Unlock()
	st.signalRecv()
	return st.session.sendRST(st.id)
}

func (st *Stream) handleData(body []byte, fin bool) {
	st.mu.Lock()
	st.recvBuf.Write(body)
	if fin {
		st.recvClosed = true
	}
	st.mu.Unlock()
	st.signalRecv()
}

func (st *Stream) handleReset(err error) {
	st.mu.Lock()
	st.resetErr = err
	st.state = stateClosed
	st.mu.Unlock()
	st.signalRecv()
}

func (st *Stream) handleWindowUpdate(inc uint32) {
	st.mu.Lock()
	st.sendWindow += inc
	st.mu.Unlock()
}

// nextSendChunk pops the next ready chunk for the writer scheduler,
// reporting whether a SYN/FIN flag should accompany it.
func (st *Stream) nextSendChunk() (chunk []byte, syn bool, fin bool, ok bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.sendPending) > 0 {
		chunk = st.sendPending[0]
		st.sendPending = st.sendPending[1:]
		syn = !st.sentSyn
		st.sentSyn = true
		fin = st.sendClosing && len(st.sendPending) == 0
		if fin {
			st.sendClosed = true
		}
		return chunk, syn, fin, true
	}
	if st.sendClosing && !st.sendClosed {
		st.sendClosed = true
		syn = !st.sentSyn
		st.sentSyn = true
		return nil, syn, true, true
	}
	return nil, false, false, false
}

func (st *Stream) hasPendingLocked() bool {
	return len(st.sendPending) > 0 || (st.sendClosing && !st.sendClosed)
}
