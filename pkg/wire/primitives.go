package wire

import (
	"encoding/binary"
	"net"

	"github.com/vicdc21/aerolineas-rusticas/pkg/cqlerror"
)

// Consistency is the 2-byte wire enum.
type Consistency uint16

const (
	ConsistencyAny Consistency = 0
	ConsistencyOne Consistency = 1
	ConsistencyTwo Consistency = 2
	ConsistencyThree Consistency = 3
	ConsistencyQuorum Consistency = 4
	ConsistencyAll Consistency = 5
	ConsistencyLocalQuorum Consistency = 6
	ConsistencyEachQuorum Consistency = 7
	ConsistencySerial Consistency = 8
	ConsistencyLocalSerial Consistency = 9
	ConsistencyLocalOne Consistency = 10
)

func (c Consistency) String() string {
	switch c {
	case ConsistencyAny:
		return "ANY"
	case ConsistencyOne:
		return "ONE"
	case ConsistencyTwo:
		return "TWO"
	case ConsistencyThree:
		return "THREE"
	case ConsistencyQuorum:
		return "QUORUM"
	case ConsistencyAll:
		return "ALL"
	case ConsistencyLocalQuorum:
		return "LOCAL_QUORUM"
	case ConsistencyEachQuorum:
		return "EACH_QUORUM"
	case ConsistencySerial:
		return "SERIAL"
	case ConsistencyLocalSerial:
		return "LOCAL_SERIAL"
	case ConsistencyLocalOne:
		return "LOCAL_ONE"
	default:
		return "UNKNOWN"
	}
}

// AsCount computes the required-ack count for n replicas. Serial and
// LocalSerial are unsupported and return an Invalid error.
func (c Consistency) AsCount(n int) (int, error) {
	switch c {
	case ConsistencyOne, ConsistencyLocalOne, ConsistencyAny:
		return 1, nil
	case ConsistencyTwo:
		return 2, nil
	case ConsistencyThree:
		return 3, nil
	case ConsistencyQuorum, ConsistencyLocalQuorum, ConsistencyEachQuorum:
		return n/2 + 1, nil
	case ConsistencyAll:
		return n, nil
	case ConsistencySerial, ConsistencyLocalSerial:
		return 0, cqlerror.Invalidf("consistency level %s is not supported", c)
	default:
		return 0, cqlerror.Invalidf("unknown consistency level %d", c)
	}
}

// --- fixed-width integers ---

// PutShort encodes a 2-byte big-endian unsigned integer.
func PutShort(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

// GetShort decodes a 2-byte big-endian unsigned integer.
func GetShort(b []byte) (uint16, []byte, error) {
	if len(b) < 2 {
		return 0, nil, cqlerror.Protocolf("short: truncated input")
	}
	return binary.BigEndian.Uint16(b[:2]), b[2:], nil
}

// PutInt encodes a 4-byte big-endian signed integer.
func PutInt(v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}

// GetInt decodes a 4-byte big-endian signed integer.
func GetInt(b []byte) (int32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, cqlerror.Protocolf("int: truncated input")
	}
	return int32(binary.BigEndian.Uint32(b[:4])), b[4:], nil
}

// PutLong encodes an 8-byte big-endian signed integer.
func PutLong(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// GetLong decodes an 8-byte big-endian signed integer.
func GetLong(b []byte) (int64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, cqlerror.Protocolf("long: truncated input")
	}
	return int64(binary.BigEndian.Uint64(b[:8])), b[8:], nil
}

// --- strings ---

// PutString encodes a [short length][utf8 bytes] string.
func PutString(s string) []byte {
	out := PutShort(uint16(len(s)))
	return append(out, []byte(s)...)
}

// GetString decodes a [short length][utf8 bytes] string.
func GetString(b []byte) (string, []byte, error) {
	n, rest, err := GetShort(b)
	if err != nil {
		return "", nil, err
	}
	if len(rest) < int(n) {
		return "", nil, cqlerror.Protocolf("string: truncated input, want %d bytes", n)
	}
	return string(rest[:n]), rest[n:], nil
}

// PutLongString encodes a [int length][utf8 bytes] string.
func PutLongString(s string) []byte {
	out := PutInt(int32(len(s)))
	return append(out, []byte(s)...)
}

// GetLongString decodes a [int length][utf8 bytes] string.
func GetLongString(b []byte) (string, []byte, error) {
	n, rest, err := GetInt(b)
	if err != nil {
		return "", nil, err
	}
	if n < 0 || int64(len(rest)) < int64(n) {
		return "", nil, cqlerror.Protocolf("long string: truncated input, want %d bytes", n)
	}
	return string(rest[:n]), rest[n:], nil
}

// --- consistency ---

// PutConsistency encodes a 2-byte consistency enum.
func PutConsistency(c Consistency) []byte { return PutShort(uint16(c)) }

// GetConsistency decodes a 2-byte consistency enum.
func GetConsistency(b []byte) (Consistency, []byte, error) {
	v, rest, err := GetShort(b)
	if err != nil {
		return 0, nil, err
	}
	return Consistency(v), rest, nil
}

// --- inet ---

// Inet is an IP + port pair.
type Inet struct {
	IP net.IP
	Port uint16
}

// PutInet encodes [length-prefixed IP bytes][2-byte port].
func PutInet(addr Inet) []byte {
	ip4 := addr.IP.To4()
	var raw []byte
	if ip4 != nil {
		raw = []byte(ip4)
	} else {
		raw = []byte(addr.IP.To16())
	}
	out := []byte{byte(len(raw))}
	out = append(out, raw...)
	out = append(out, PutShort(addr.Port)...)
	return out
}

// GetInet decodes an Inet value.
func GetInet(b []byte) (Inet, []byte, error) {
	if len(b) < 1 {
		return Inet{}, nil, cqlerror.Protocolf("inet: truncated length byte")
	}
	n := int(b[0])
	rest := b[1:]
	if n != 4 && n != 16 {
		return Inet{}, nil, cqlerror.Protocolf("inet: unsupported address length %d", n)
	}
	if len(rest) < n {
		return Inet{}, nil, cqlerror.Protocolf("inet: truncated address bytes")
	}
	ip := net.IP(append([]byte(nil), rest[:n]...))
	rest = rest[n:]
	port, rest, err := GetShort(rest)
	if err != nil {
		return Inet{}, nil, err
	}
	return Inet{IP: ip, Port: port}, rest, nil
}

// --- reason map ---

// ReasonMapEntry pairs a replica's address with a short failure code.
type ReasonMapEntry struct {
	Addr Inet
	Reason uint16
}

// PutReasonMap encodes [int count][(inet, short)...].
func PutReasonMap(entries []ReasonMapEntry) []byte {
	out := PutInt(int32(len(entries)))
	for _, e := range entries {
		out = append(out, PutInet(e.Addr)...)
		out = append(out, PutShort(e.Reason)...)
	}
	return out
}

// GetReasonMap decodes a reason map.
func GetReasonMap(b []byte) ([]ReasonMapEntry, []byte, error) {
	count, rest, err := GetInt(b)
	if err != nil {
		return nil, nil, err
	}
	if count < 0 {
		return nil, nil, cqlerror.Protocolf("reason map: negative count %d", count)
	}
	entries := make([]ReasonMapEntry, 0, count)
	for i := int32(0); i < count; i++ {
		addr, r, err := GetInet(rest)
		if err != nil {
			return nil, nil, err
		}
		reason, r2, err := GetShort(r)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, ReasonMapEntry{Addr: addr, Reason: reason})
		rest = r2
	}
	return entries, rest, nil
}

// --- bytes (4-byte length + raw, -1 meaning null) ---

// PutBytes encodes a 4-byte length-prefixed byte value; nil encodes as length -1.
func PutBytes(v []byte) []byte {
	if v == nil {
		return PutInt(-1)
	}
	out := PutInt(int32(len(v)))
	return append(out, v...)
}

// GetBytes decodes a 4-byte length-prefixed byte value; length -1 decodes to nil.
func GetBytes(b []byte) ([]byte, []byte, error) {
	n, rest, err := GetInt(b)
	if err != nil {
		return nil, nil, err
	}
	if n < 0 {
		return nil, rest, nil
	}
	if int64(len(rest)) < int64(n) {
		return nil, nil, cqlerror.Protocolf("bytes: truncated input, want %d bytes", n)
	}
	return append([]byte(nil), rest[:n]...), rest[n:], nil
}
