// Package protocol defines the wire messages exchanged between endpoints.
// Every message travels as a JSON envelope {type, payload}; chunk payloads
// additionally have a compact binary framing for binary-capable channels.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType tags the envelope.
type MessageType string

const (
	TypeAuth           MessageType = "auth"
	TypeAuthSuccess    MessageType = "auth-success"
	TypeAuthFailed     MessageType = "auth-failed"
	TypeAvailableFiles MessageType = "available-files"
	TypeFileStart      MessageType = "file-start"
	TypeFileChunk      MessageType = "file-chunk"
	TypeChunkAck       MessageType = "chunk-ack"
	TypeFileEnd        MessageType = "file-end"
	TypeFileComplete   MessageType = "file-complete"
	TypeFileRequest    MessageType = "file-request"
	TypeFileReady      MessageType = "file-ready"
	TypePing           MessageType = "ping"
	TypePong           MessageType = "pong"
	TypeError          MessageType = "error"

	TypeSignalRegister   MessageType = "signal-register"
	TypeSignalRegistered MessageType = "signal-registered"
	TypeSignalConnect    MessageType = "signal-connect"
	TypeSignalPeerJoined MessageType = "signal-peer-joined"
	TypeSignalOffer      MessageType = "signal-offer"
	TypeSignalAnswer     MessageType = "signal-answer"
)

// Message is one typed wire message.
type Message interface {
	Type() MessageType
}

// Envelope is the outer JSON frame.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Auth presents the shared-secret session code. It must be the first
// message on a relay connection; everything before a successful auth is
// rejected without mutating any state.
type Auth struct {
	SessionCode string `json:"sessionCode"`
}

func (Auth) Type() MessageType { return TypeAuth }

type AuthSuccess struct {
	ClientID string `json:"clientId"`
}

func (AuthSuccess) Type() MessageType { return TypeAuthSuccess }

type AuthFailed struct {
	Reason string `json:"reason"`
}

func (AuthFailed) Type() MessageType { return TypeAuthFailed }

// FileEntry is one announced shareable file.
type FileEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size,omitempty"`
}

type AvailableFiles struct {
	Files []FileEntry `json:"files"`
}

func (AvailableFiles) Type() MessageType { return TypeAvailableFiles }

// FileStart announces an incoming file. Chunk geometry (ChunkSize,
// TotalChunks) is carried explicitly so the two sides never diverge on
// locally configured chunk sizes.
type FileStart struct {
	TransferID   string `json:"transferId"`
	FileID       string `json:"fileId,omitempty"`
	FileName     string `json:"fileName"`
	FileSize     int64  `json:"fileSize"`
	MimeType     string `json:"mimeType,omitempty"`
	LastModified int64  `json:"lastModified,omitempty"`
	ChunkSize    int64  `json:"chunkSize"`
	TotalChunks  int    `json:"totalChunks"`
	Checksum     string `json:"checksum"`
}

func (FileStart) Type() MessageType { return TypeFileStart }

// FileChunk carries one chunk's bytes. Data is base64 in the JSON encoding
// (encoding/json does this for []byte) and raw in the binary framing.
type FileChunk struct {
	TransferID string `json:"transferId"`
	Index      int    `json:"chunkIndex"`
	Data       []byte `json:"data"`
	Checksum   string `json:"checksum"`
	Last       bool   `json:"isLast,omitempty"`
}

func (FileChunk) Type() MessageType { return TypeFileChunk }

// ChunkAck reports chunk verification. On failure Checksum holds the digest
// the receiver computed, so the sender can tell a bad declaration from bytes
// corrupted in transit.
type ChunkAck struct {
	TransferID string `json:"transferId"`
	Index      int    `json:"chunkIndex"`
	Checksum   string `json:"checksum"`
	OK         bool   `json:"success"`
}

func (ChunkAck) Type() MessageType { return TypeChunkAck }

type FileEnd struct {
	TransferID string `json:"transferId"`
}

func (FileEnd) Type() MessageType { return TypeFileEnd }

type FileComplete struct {
	TransferID string `json:"transferId"`
	SavedAs    string `json:"savedAs,omitempty"`
}

func (FileComplete) Type() MessageType { return TypeFileComplete }

type FileRequest struct {
	FileID string `json:"fileId"`
}

func (FileRequest) Type() MessageType { return TypeFileRequest }

type FileReady struct {
	FileID      string `json:"fileId"`
	FileName    string `json:"fileName"`
	DownloadURL string `json:"downloadUrl"`
}

func (FileReady) Type() MessageType { return TypeFileReady }

type Ping struct{}

func (Ping) Type() MessageType { return TypePing }

type Pong struct{}

func (Pong) Type() MessageType { return TypePong }

// ErrorMessage is a host-to-client error report.
type ErrorMessage struct {
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message"`
}

func (ErrorMessage) Type() MessageType { return TypeError }

// SignalRegister asks the rendezvous broker for a peer code.
type SignalRegister struct{}

func (SignalRegister) Type() MessageType { return TypeSignalRegister }

type SignalRegistered struct {
	Code string `json:"code"`
}

func (SignalRegistered) Type() MessageType { return TypeSignalRegistered }

// SignalConnect joins the peer registered under Code.
type SignalConnect struct {
	Code string `json:"code"`
}

func (SignalConnect) Type() MessageType { return TypeSignalConnect }

type SignalPeerJoined struct{}

func (SignalPeerJoined) Type() MessageType { return TypeSignalPeerJoined }

type SignalOffer struct {
	SDP string `json:"sdp"`
}

func (SignalOffer) Type() MessageType { return TypeSignalOffer }

type SignalAnswer struct {
	SDP string `json:"sdp"`
}

func (SignalAnswer) Type() MessageType { return TypeSignalAnswer }

// Encode wraps msg in an envelope and marshals it.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", msg.Type(), err)
	}
	return json.Marshal(Envelope{Type: msg.Type(), Payload: payload})
}

// Decode unmarshals an envelope into its concrete message type. The switch
// is exhaustive over every MessageType; an unlisted type is an error, never
// a silently dropped frame.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case TypeAuth:
		msg = &Auth{}
	case TypeAuthSuccess:
		msg = &AuthSuccess{}
	case TypeAuthFailed:
		msg = &AuthFailed{}
	case TypeAvailableFiles:
		msg = &AvailableFiles{}
	case TypeFileStart:
		msg = &FileStart{}
	case TypeFileChunk:
		msg = &FileChunk{}
	case TypeChunkAck:
		msg = &ChunkAck{}
	case TypeFileEnd:
		msg = &FileEnd{}
	case TypeFileComplete:
		msg = &FileComplete{}
	case TypeFileRequest:
		msg = &FileRequest{}
	case TypeFileReady:
		msg = &FileReady{}
	case TypePing:
		msg = &Ping{}
	case TypePong:
		msg = &Pong{}
	case TypeError:
		msg = &ErrorMessage{}
	case TypeSignalRegister:
		msg = &SignalRegister{}
	case TypeSignalRegistered:
		msg = &SignalRegistered{}
	case TypeSignalConnect:
		msg = &SignalConnect{}
	case TypeSignalPeerJoined:
		msg = &SignalPeerJoined{}
	case TypeSignalOffer:
		msg = &SignalOffer{}
	case TypeSignalAnswer:
		msg = &SignalAnswer{}
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}

	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return nil, fmt.Errorf("unmarshaling %s payload: %w", env.Type, err)
		}
	}
	return msg, nil
}
