// Package transport implements the secure, authenticated-encrypted byte
// stream the multiplexer rides on (spec.md §4.2): a TLS-like handshake
// over a reliable ordered connection (TCP), followed by AES-256-GCM
// framed traffic with a per-direction monotonic nonce counter.
package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"meshnode/internal/identity"
	"meshnode/internal/record"
	"meshnode/internal/wire"
	"meshnode/internal/xcrypto"
)

var (
	ErrHandshakeFailed   = errors.New("transport: handshake failed")
	ErrConnectionLost    = errors.New("transport: connection lost")
	ErrTampered          = errors.New("transport: frame authentication failed")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrExhausted         = errors.New("transport: nonce counter exhausted")
)

const maxFrameSize = 4 << 20

// Conn is one authenticated-encrypted connection to a peer, established
// by Handshake. It is safe for one concurrent writer and one concurrent
// reader (the multiplexer serializes both internally).
type Conn struct {
	raw net.Conn

	PeerID     string
	PeerRecord record.Record

	sendKey, recvKey             []byte
	nonceBaseSend, nonceBaseRecv []byte

	writeMu     sync.Mutex
	sendCounter uint64

	readMu      sync.Mutex
	recvCounter uint64
}

// handshakeFrame is record||ephemeral_pub, length-prefixed as a whole so
// the variable-length record can travel in one read.
func buildHandshakeFrame(localRecordBytes, ephPub []byte) []byte {
	buf := make([]byte, 0, len(localRecordBytes)+len(ephPub))
	buf = append(buf, localRecordBytes...)
	buf = append(buf, ephPub...)
	return buf
}

func parseHandshakeFrame(raw []byte) (record.Record, []byte, error) {
	if len(raw) <= 32 {
		return record.Record{}, nil, fmt.Errorf("%w: short handshake frame", ErrProtocolViolation)
	}
	recordBytes := raw[:len(raw)-32]
	ephPub := raw[len(raw)-32:]
	rec, err := record.Verify(recordBytes)
	if err != nil {
		return record.Record{}, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return rec, ephPub, nil
}

// Handshake runs the secure transport handshake over conn. initiator
// writes first (the dialer is the initiator, per spec.md §9's resolved
// Open Question); the responder reads first. localRecordBytes is this
// peer's signed discovery record (record.Export output).
func Handshake(conn net.Conn, id *identity.Identity, localRecordBytes []byte, initiator bool) (*Conn, error) {
	eph, err := xcrypto.GenerateEphemeral()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	defer eph.Destroy()
	myPub, err := eph.Public()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	myFrame := buildHandshakeFrame(localRecordBytes, myPub)

	var initFrame, respFrame []byte
	var peerRec record.Record
	var peerEphPub []byte

	if initiator {
		if err := wire.WriteFrame(conn, myFrame); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		initFrame = myFrame
		theirRaw, err := wire.ReadFrame(conn)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		peerRec, peerEphPub, err = parseHandshakeFrame(theirRaw)
		if err != nil {
			return nil, err
		}
		respFrame = theirRaw
	} else {
		theirRaw, err := wire.ReadFrame(conn)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		peerRec, peerEphPub, err = parseHandshakeFrame(theirRaw)
		if err != nil {
			return nil, err
		}
		initFrame = theirRaw
		if err := wire.WriteFrame(conn, myFrame); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		respFrame = myFrame
	}

	if peerRec.PeerID() == id.ID {
		return nil, fmt.Errorf("%w: handshake with self", ErrHandshakeFailed)
	}

	shared, err := eph.Shared(peerEphPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	transcript := bytes.Join([][]byte{initFrame, respFrame}, nil)
	keys, err := xcrypto.DeriveSessionKeys(shared, transcript)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	c := &Conn{
		raw:        conn,
		PeerID:     peerRec.PeerID(),
		PeerRecord: peerRec,
	}
	if initiator {
		c.sendKey, c.recvKey = keys.SendKey, keys.RecvKey
		c.nonceBaseSend, c.nonceBaseRecv = keys.NonceBaseSend, keys.NonceBaseRecv
	} else {
		// The responder's send direction is the initiator's recv
		// direction and vice versa, so both sides key-schedule to the
		// same directional bytes (spec.md §4.2).
		c.sendKey, c.recvKey = keys.RecvKey, keys.SendKey
		c.nonceBaseSend, c.nonceBaseRecv = keys.NonceBaseRecv, keys.NonceBaseSend
	}
	return c, nil
}

// WriteFrame encrypts and sends one application frame.
func (c *Conn) WriteFrame(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.sendCounter == ^uint64(0) {
		return ErrExhausted
	}
	nonce, err := xcrypto.NonceFromBase(c.nonceBaseSend, c.sendCounter)
	if err != nil {
		return err
	}
	ciphertext, err := xcrypto.Seal(c.sendKey, nonce, payload, nil)
	if err != nil {
		return err
	}
	c.sendCounter++
	if err := wire.WriteFrame(c.raw, ciphertext); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

// ReadFrame reads, decrypts and authenticates the next application frame.
func (c *Conn) ReadFrame() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if c.recvCounter == ^uint64(0) {
		return nil, ErrExhausted
	}
	ciphertext, err := wire.ReadFrame(c.raw)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	nonce, err := xcrypto.NonceFromBase(c.nonceBaseRecv, c.recvCounter)
	if err != nil {
		return nil, err
	}
	plaintext, err := xcrypto.Open(c.recvKey, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTampered, err)
	}
	c.recvCounter++
	return plaintext, nil
}

func (c *Conn) Close() error {
	return c.raw.Close()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}
