// Package mux is a Yamux-style bidirectional stream multiplexer riding
// one secure transport connection (spec.md §4.3). Because the secure
// transport already frames and authenticates each message
// (transport.Conn.WriteFrame/ReadFrame), one mux frame maps to exactly
// one transport frame — the multiplexer does not re-implement
// byte-stream delimiting, only stream identity, flow control and
// fairness on top of the already-reliable message boundaries.
package mux

import (
	"encoding/binary"
	"fmt"
)

const (
	headerSize = 12
	version    = 0
)

type frameType uint8

const (
	typeData frameType = iota
	typeWindowUpdate
	typePing
	typeGoAway
)

type flags uint16

const (
	flagSYN flags = 1 << iota
	flagACK
	flagFIN
	flagRST
)

// header is the 12-byte frame header: version|type|flags(BE)|stream_id(BE)|length(BE).
type header struct {
	typ      frameType
	flags    flags
	streamID uint32
	length   uint32
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)
	buf[0] = version
	buf[1] = byte(h.typ)
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.flags))
	binary.BigEndian.PutUint32(buf[4:8], h.streamID)
	binary.BigEndian.PutUint32(buf[8:12], h.length)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, fmt.Errorf("%w: short frame header", ErrProtocolViolation)
	}
	if buf[0] != version {
		return header{}, fmt.Errorf("%w: bad version %d", ErrProtocolViolation, buf[0])
	}
	return header{
		typ:      frameType(buf[1]),
		flags:    flags(binary.BigEndian.Uint16(buf[2:4])),
		streamID: binary.BigEndian.Uint32(buf[4:8]),
		length:   binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

func encodeFrame(h header, body []byte) []byte {
	h.length = uint32(len(body))
	out := make([]byte, 0, headerSize+len(body))
	out = append(out, encodeHeader(h)...)
	out = append(out, body...)
	return out
}

func decodeFrame(raw []byte) (header, []byte, error) {
	h, err := decodeHeader(raw)
	if err != nil {
		return header{}, nil, err
	}
	if int(h.length) != len(raw)-headerSize {
		return header{}, nil, fmt.Errorf("%w: length mismatch", ErrProtocolViolation)
	}
	return h, raw[headerSize:], nil
}

func encodeWindowIncrement(n uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, n)
	return buf
}

func decodeWindowIncrement(body []byte) (uint32, error) {
	if len(body) != 4 {
		return 0, fmt.Errorf("%w: bad window_update body", ErrProtocolViolation)
	}
	return binary.BigEndian.Uint32(body), nil
}
