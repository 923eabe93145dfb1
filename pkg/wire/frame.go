// Package wire implements the CQL binary frame protocol: the 9-byte
// frame header, the primitive encodings every message body is built from,
// the QueryBody layout, and Result frame encoding. Every encoder here is a
// pure function of its input, and every decoder returns a structured
// *cqlerror.Error on truncated or malformed input rather than silently
// dropping bytes.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vicdc21/aerolineas-rusticas/pkg/cqlerror"
)

// Opcode identifies the kind of message a frame body holds.
type Opcode byte

const (
	OpError Opcode = 0x00
	OpStartup Opcode = 0x01
	OpReady Opcode = 0x02
	OpAuthenticate Opcode = 0x03
	OpOptions Opcode = 0x05
	OpSupported Opcode = 0x06
	OpQuery Opcode = 0x07
	OpResult Opcode = 0x08
	OpPrepare Opcode = 0x09
	OpExecute Opcode = 0x0A
	OpRegister Opcode = 0x0B
	OpEvent Opcode = 0x0C
	OpBatch Opcode = 0x0D
	OpAuthChallenge Opcode = 0x0E
	OpAuthResponse Opcode = 0x0F
	OpAuthSuccess Opcode = 0x10
)

// Flags recognised in the header's flags byte.
type HeaderFlags byte

const (
	FlagDefault HeaderFlags = 0x00
	FlagCompression HeaderFlags = 0x01
)

// Version bytes: 0x05 for a request, 0x85 for a response.
const (
	VersionRequest byte = 0x05
	VersionResponse byte = 0x85
)

// MaxFrameBody is the default body length cap (256 MiB); a node may
// override this from its loaded config when validating incoming frames.
const MaxFrameBody = 256 << 20

// HeaderSize is the fixed 9-byte frame header length.
const HeaderSize = 9

// Header is the fixed portion of a frame.
type Header struct {
	Version byte
	Flags HeaderFlags
	StreamID int16
	Opcode Opcode
	Length uint32
}

// IsResponse reports whether the header's high version bit is set.
func (h Header) IsResponse() bool { return h.Version&0x80 != 0 }

// Frame is a complete CQL message: header plus body.
type Frame struct {
	Header Header
	Body []byte
}

// EncodeHeader serializes a 9-byte frame header.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Version
	buf[1] = byte(h.Flags)
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.StreamID))
	buf[4] = byte(h.Opcode)
	binary.BigEndian.PutUint32(buf[5:9], h.Length)
	return buf
}

// DecodeHeader parses a 9-byte frame header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, cqlerror.Protocolf("frame header truncated: got %d bytes, want %d", len(buf), HeaderSize)
	}
	h := Header{
		Version: buf[0],
		Flags: HeaderFlags(buf[1]),
		StreamID: int16(binary.BigEndian.Uint16(buf[2:4])),
		Opcode: Opcode(buf[4]),
		Length: binary.BigEndian.Uint32(buf[5:9]),
	}
	return h, nil
}

// Encode serializes a full frame (header + body), setting Length from len(Body).
func Encode(version byte, flags HeaderFlags, streamID int16, op Opcode, body []byte) []byte {
	h := Header{Version: version, Flags: flags, StreamID: streamID, Opcode: op, Length: uint32(len(body))}
	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, EncodeHeader(h)...)
	out = append(out, body...)
	return out
}

// ReadFrame reads one complete frame from r, enforcing maxBody; exceeding
// it is a ProtocolError and the caller must close the connection.
func ReadFrame(r io.Reader, maxBody uint32) (*Frame, error) {
	if maxBody == 0 {
		maxBody = MaxFrameBody
	}
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, err
	}
	h, err := DecodeHeader(headerBuf)
	if err != nil {
		return nil, err
	}
	if h.Length > maxBody {
		return nil, cqlerror.Protocolf("frame body too large: %d bytes exceeds cap of %d", h.Length, maxBody)
	}
	body := make([]byte, h.Length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, cqlerror.Protocolf("frame body truncated: %v", err)
	}
	return &Frame{Header: h, Body: body}, nil
}

// WriteFrame writes a complete frame to w.
func WriteFrame(w io.Writer, f *Frame) error {
	f.Header.Length = uint32(len(f.Body))
	if _, err := w.Write(EncodeHeader(f.Header)); err != nil {
		return err
	}
	_, err := w.Write(f.Body)
	return err
}

func (o Opcode) String() string {
	switch o {
	case OpError:
		return "ERROR"
	case OpStartup:
		return "STARTUP"
	case OpReady:
		return "READY"
	case OpAuthenticate:
		return "AUTHENTICATE"
	case OpOptions:
		return "OPTIONS"
	case OpSupported:
		return "SUPPORTED"
	case OpQuery:
		return "QUERY"
	case OpResult:
		return "RESULT"
	case OpPrepare:
		return "PREPARE"
	case OpExecute:
		return "EXECUTE"
	case OpRegister:
		return "REGISTER"
	case OpEvent:
		return "EVENT"
	case OpBatch:
		return "BATCH"
	case OpAuthChallenge:
		return "AUTH_CHALLENGE"
	case OpAuthResponse:
		return "AUTH_RESPONSE"
	case OpAuthSuccess:
		return "AUTH_SUCCESS"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", byte(o))
	}
}
