// Package wire is the length-delimited, tagged-union codec the sync
// protocol rides on (spec.md §4.4). One stream carries a single
// request/response exchange or a streamed file transfer; every frame is
// length-prefixed exactly like the teacher's internal/proto package, and
// every message carries an explicit Type discriminant the way the
// teacher's SecureEnvelope/PeerExchange messages do.
//
// Envelope bodies are protocol buffers (spec.md §6), matching
// chat.proto in this package and the gogo/protobuf stack
// dep2p-go-dep2p depends on. No protoc run produced these types —
// each implements proto.Message by hand in the shape protoc-gen-gogo
// would emit, so github.com/gogo/protobuf/proto's reflection-based
// Marshal/Unmarshal can encode them from the protobuf struct tags
// alone.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gogo/protobuf/proto"
)

const (
	MaxFrameSize = 8 << 20
)

// Type tags for the top-level union (spec.md §4.4 table).
const (
	TypeCompareRequest       = "compare_request"
	TypeCompareResponse      = "compare_response"
	TypeBatchMessageRequest  = "batch_message_request"
	TypeBatchMessageResponse = "batch_message_response"
	TypeFileWantRequest      = "file_want_request"
	TypeFileWantResponse     = "file_want_response"
	TypeFileDownloadRequest  = "file_download_request"
	TypeFileDownloadResponse = "file_download_response"
	TypeMessages             = "messages"
	TypeMessageAccept        = "message_accept"
)

// PeerCounter is one "I have counter C for peer P" tuple.
type PeerCounter struct {
	PeerID  string `protobuf:"bytes,1,opt,name=peer_id,proto3" json:"peer_id,omitempty"`
	Counter int32  `protobuf:"varint,2,opt,name=counter,proto3" json:"counter,omitempty"`
}

func (m *PeerCounter) Reset()         { *m = PeerCounter{} }
func (m *PeerCounter) String() string { return proto.CompactTextString(m) }
func (*PeerCounter) ProtoMessage()    {}

// Message is the wire representation of a CRDT log entry (spec.md §3).
type Message struct {
	ID            string `protobuf:"bytes,1,opt,name=id,proto3" json:"id,omitempty"`
	PeerID        string `protobuf:"bytes,2,opt,name=peer_id,proto3" json:"peer_id,omitempty"`
	Counter       int32  `protobuf:"varint,3,opt,name=counter,proto3" json:"counter,omitempty"`
	GlobalCounter int64  `protobuf:"varint,4,opt,name=global_counter,proto3" json:"global_counter,omitempty"`
	Timestamp     int64  `protobuf:"varint,5,opt,name=timestamp,proto3" json:"timestamp,omitempty"`
	Payload       []byte `protobuf:"bytes,6,opt,name=payload,proto3" json:"payload,omitempty"`
}

func (m *Message) Reset()         { *m = Message{} }
func (m *Message) String() string { return proto.CompactTextString(m) }
func (*Message) ProtoMessage()    {}

// Payload is the application-level content nested inside Message.Payload
// (spec.md §3; SPEC_FULL.md §3.1 makes ReplyID/Mentions concrete). It is
// encoded with the same protobuf codec as the rest of the protocol
// (SPEC_FULL.md §3.1), not JSON.
type Payload struct {
	Text     string   `protobuf:"bytes,1,opt,name=text,proto3" json:"text,omitempty"`
	FileID   string   `protobuf:"bytes,2,opt,name=file_id,proto3" json:"file_id,omitempty"`
	ReplyID  string   `protobuf:"bytes,3,opt,name=reply_id,proto3" json:"reply_id,omitempty"`
	Mentions []string `protobuf:"bytes,4,rep,name=mentions,proto3" json:"mentions,omitempty"`
}

func (m *Payload) Reset()         { *m = Payload{} }
func (m *Payload) String() string { return proto.CompactTextString(m) }
func (*Payload) ProtoMessage()    {}

func EncodePayload(p Payload) ([]byte, error) {
	raw, err := proto.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return raw, nil
}

func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if len(raw) == 0 {
		return p, nil
	}
	if err := proto.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return p, nil
}

// PeerDescriptor lets BatchMessageResponse teach the client about a
// peer it has not yet discovered (spec.md §4.5 "Server side of
// BatchMessage").
type PeerDescriptor struct {
	PeerID     string `protobuf:"bytes,1,opt,name=peer_id,proto3" json:"peer_id,omitempty"`
	Name       string `protobuf:"bytes,2,opt,name=name,proto3" json:"name,omitempty"`
	SigningPub string `protobuf:"bytes,3,opt,name=signing_pub,proto3" json:"signing_pub,omitempty"`
}

func (m *PeerDescriptor) Reset()         { *m = PeerDescriptor{} }
func (m *PeerDescriptor) String() string { return proto.CompactTextString(m) }
func (*PeerDescriptor) ProtoMessage()    {}

// Envelope is the single wire union. Exactly one payload field is set,
// selected by Type. It is a flat union rather than a protobuf oneof
// (chat.proto documents why): simpler to hand-author correctly without
// protoc. Unset variant fields are nil pointers and are not encoded, so
// the wire size matches what a oneof would produce.
type Envelope struct {
	Type string `protobuf:"bytes,1,opt,name=type,proto3" json:"type,omitempty"`

	CompareRequest  *CompareRequest  `protobuf:"bytes,2,opt,name=compare_request,proto3" json:"compare_request,omitempty"`
	CompareResponse *CompareResponse `protobuf:"bytes,3,opt,name=compare_response,proto3" json:"compare_response,omitempty"`

	BatchMessageRequest  *BatchMessageRequest  `protobuf:"bytes,4,opt,name=batch_message_request,proto3" json:"batch_message_request,omitempty"`
	BatchMessageResponse *BatchMessageResponse `protobuf:"bytes,5,opt,name=batch_message_response,proto3" json:"batch_message_response,omitempty"`

	FileWantRequest  *FileWantRequest  `protobuf:"bytes,6,opt,name=file_want_request,proto3" json:"file_want_request,omitempty"`
	FileWantResponse *FileWantResponse `protobuf:"bytes,7,opt,name=file_want_response,proto3" json:"file_want_response,omitempty"`

	FileDownloadRequest  *FileDownloadRequest  `protobuf:"bytes,8,opt,name=file_download_request,proto3" json:"file_download_request,omitempty"`
	FileDownloadResponse *FileDownloadResponse `protobuf:"bytes,9,opt,name=file_download_response,proto3" json:"file_download_response,omitempty"`

	Messages      *Messages      `protobuf:"bytes,10,opt,name=messages,proto3" json:"messages,omitempty"`
	MessageAccept *MessageAccept `protobuf:"bytes,11,opt,name=message_accept,proto3" json:"message_accept,omitempty"`
}

func (m *Envelope) Reset()         { *m = Envelope{} }
func (m *Envelope) String() string { return proto.CompactTextString(m) }
func (*Envelope) ProtoMessage()    {}

type CompareRequest struct {
	Have []PeerCounter `protobuf:"bytes,1,rep,name=have,proto3" json:"have,omitempty"`
}

func (m *CompareRequest) Reset()         { *m = CompareRequest{} }
func (m *CompareRequest) String() string { return proto.CompactTextString(m) }
func (*CompareRequest) ProtoMessage()    {}

type CompareResponse struct {
	PeerIDs []string `protobuf:"bytes,1,rep,name=peer_ids,proto3" json:"peer_ids,omitempty"`
}

func (m *CompareResponse) Reset()         { *m = CompareResponse{} }
func (m *CompareResponse) String() string { return proto.CompactTextString(m) }
func (*CompareResponse) ProtoMessage()    {}

type BatchMessageRequest struct {
	PeerID    string `protobuf:"bytes,1,opt,name=peer_id,proto3" json:"peer_id,omitempty"`
	MyCounter int32  `protobuf:"varint,2,opt,name=my_counter,proto3" json:"my_counter,omitempty"`
}

func (m *BatchMessageRequest) Reset()         { *m = BatchMessageRequest{} }
func (m *BatchMessageRequest) String() string { return proto.CompactTextString(m) }
func (*BatchMessageRequest) ProtoMessage()    {}

type BatchMessageResponse struct {
	Messages []Message       `protobuf:"bytes,1,rep,name=messages,proto3" json:"messages,omitempty"`
	Peer     *PeerDescriptor `protobuf:"bytes,2,opt,name=peer,proto3" json:"peer,omitempty"`
}

func (m *BatchMessageResponse) Reset()         { *m = BatchMessageResponse{} }
func (m *BatchMessageResponse) String() string { return proto.CompactTextString(m) }
func (*BatchMessageResponse) ProtoMessage()    {}

type FileWantRequest struct {
	FileIDs []string `protobuf:"bytes,1,rep,name=file_ids,proto3" json:"file_ids,omitempty"`
}

func (m *FileWantRequest) Reset()         { *m = FileWantRequest{} }
func (m *FileWantRequest) String() string { return proto.CompactTextString(m) }
func (*FileWantRequest) ProtoMessage()    {}

type FileWantResponse struct {
	FileIDs []string `protobuf:"bytes,1,rep,name=file_ids,proto3" json:"file_ids,omitempty"`
}

func (m *FileWantResponse) Reset()         { *m = FileWantResponse{} }
func (m *FileWantResponse) String() string { return proto.CompactTextString(m) }
func (*FileWantResponse) ProtoMessage()    {}

type FileDownloadRequest struct {
	FileID string `protobuf:"bytes,1,opt,name=file_id,proto3" json:"file_id,omitempty"`
	PeerID string `protobuf:"bytes,2,opt,name=peer_id,proto3" json:"peer_id,omitempty"`
}

func (m *FileDownloadRequest) Reset()         { *m = FileDownloadRequest{} }
func (m *FileDownloadRequest) String() string { return proto.CompactTextString(m) }
func (*FileDownloadRequest) ProtoMessage()    {}

type FileDownloadResponse struct {
	Chunk     []byte `protobuf:"bytes,1,opt,name=chunk,proto3" json:"chunk,omitempty"`
	LastChunk bool   `protobuf:"varint,2,opt,name=last_chunk,proto3" json:"last_chunk,omitempty"`
	Ext       string `protobuf:"bytes,3,opt,name=ext,proto3" json:"ext,omitempty"`
}

func (m *FileDownloadResponse) Reset()         { *m = FileDownloadResponse{} }
func (m *FileDownloadResponse) String() string { return proto.CompactTextString(m) }
func (*FileDownloadResponse) ProtoMessage()    {}

// Messages is the legacy push variant (spec.md §4.4 "Messages /
// MessageAccept, legacy push, see §4.5").
type Messages struct {
	PeerID   string          `protobuf:"bytes,1,opt,name=peer_id,proto3" json:"peer_id,omitempty"`
	Messages []Message       `protobuf:"bytes,2,rep,name=messages,proto3" json:"messages,omitempty"`
	Peer     *PeerDescriptor `protobuf:"bytes,3,opt,name=peer,proto3" json:"peer,omitempty"`
}

func (m *Messages) Reset()         { *m = Messages{} }
func (m *Messages) String() string { return proto.CompactTextString(m) }
func (*Messages) ProtoMessage()    {}

type MessageAccept struct {
	Counter int32 `protobuf:"varint,1,opt,name=counter,proto3" json:"counter,omitempty"`
}

func (m *MessageAccept) Reset()         { *m = MessageAccept{} }
func (m *MessageAccept) String() string { return proto.CompactTextString(m) }
func (*MessageAccept) ProtoMessage()    {}

func wrap(t string, set func(*Envelope)) Envelope {
	e := Envelope{Type: t}
	set(&e)
	return e
}

func NewCompareRequest(m CompareRequest) Envelope {
	return wrap(TypeCompareRequest, func(e *Envelope) { e.CompareRequest = &m })
}
func NewCompareResponse(m CompareResponse) Envelope {
	return wrap(TypeCompareResponse, func(e *Envelope) { e.CompareResponse = &m })
}
func NewBatchMessageRequest(m BatchMessageRequest) Envelope {
	return wrap(TypeBatchMessageRequest, func(e *Envelope) { e.BatchMessageRequest = &m })
}
func NewBatchMessageResponse(m BatchMessageResponse) Envelope {
	return wrap(TypeBatchMessageResponse, func(e *Envelope) { e.BatchMessageResponse = &m })
}
func NewFileWantRequest(m FileWantRequest) Envelope {
	return wrap(TypeFileWantRequest, func(e *Envelope) { e.FileWantRequest = &m })
}
func NewFileWantResponse(m FileWantResponse) Envelope {
	return wrap(TypeFileWantResponse, func(e *Envelope) { e.FileWantResponse = &m })
}
func NewFileDownloadRequest(m FileDownloadRequest) Envelope {
	return wrap(TypeFileDownloadRequest, func(e *Envelope) { e.FileDownloadRequest = &m })
}
func NewFileDownloadResponse(m FileDownloadResponse) Envelope {
	return wrap(TypeFileDownloadResponse, func(e *Envelope) { e.FileDownloadResponse = &m })
}
func NewMessages(m Messages) Envelope {
	return wrap(TypeMessages, func(e *Envelope) { e.Messages = &m })
}
func NewMessageAccept(m MessageAccept) Envelope {
	return wrap(TypeMessageAccept, func(e *Envelope) { e.MessageAccept = &m })
}

// ErrProtocolViolation is returned for any decode failure; callers
// translate it to the stream-local abort spec.md §4.4/§7 describe.
var ErrProtocolViolation = fmt.Errorf("wire: protocol violation")

// EncodeFrame wraps payload with a u32 big-endian length prefix.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame too large", ErrProtocolViolation)
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

// WriteFrame writes one length-delimited frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one length-delimited frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("%w: invalid frame size", ErrProtocolViolation)
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteEnvelope encodes e as protobuf (spec.md §6) and frames it onto w.
func WriteEnvelope(w io.Writer, e Envelope) error {
	raw, err := proto.Marshal(&e)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return WriteFrame(w, raw)
}

// ReadEnvelope reads and decodes one protobuf-encoded Envelope from r.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	raw, err := ReadFrame(r)
	if err != nil {
		return Envelope{}, err
	}
	var e Envelope
	if err := proto.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return e, nil
}
