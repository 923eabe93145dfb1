package wire

import "github.com/vicdc21/aerolineas-rusticas/pkg/cqlerror"

// QueryFlag bits, in the order the trailing fields appear on the wire.
type QueryFlag byte

const (
	FlagValues QueryFlag = 0x01
	FlagSkipMetadata QueryFlag = 0x02
	FlagPageSize QueryFlag = 0x04
	FlagWithPagingState QueryFlag = 0x08
	FlagWithSerialConsistency QueryFlag = 0x10
	FlagWithDefaultTimestamp QueryFlag = 0x20
	FlagWithKeyspace QueryFlag = 0x40
	FlagWithNowInSeconds QueryFlag = 0x80
)

// QueryBody is <long string query><consistency><flags byte><optional fields>.
type QueryBody struct {
	Query string
	Consistency Consistency
	Flags byte
	Values [][]byte
	SkipMetadata bool
	PageSize int32
	PagingState []byte
	SerialConsistency Consistency
	DefaultTimestamp int64
	Keyspace string
	NowInSeconds int32
}

// EncodeQueryBody serializes a QueryBody honoring only the flags present in q.Flags.
func EncodeQueryBody(q *QueryBody) []byte {
	out := PutLongString(q.Query)
	out = append(out, PutConsistency(q.Consistency)...)
	out = append(out, q.Flags)

	if q.Flags&byte(FlagValues) != 0 {
		out = append(out, PutShort(uint16(len(q.Values)))...)
		for _, v := range q.Values {
			out = append(out, PutBytes(v)...)
		}
	}
	if q.Flags&byte(FlagPageSize) != 0 {
		out = append(out, PutInt(q.PageSize)...)
	}
	if q.Flags&byte(FlagWithPagingState) != 0 {
		out = append(out, PutBytes(q.PagingState)...)
	}
	if q.Flags&byte(FlagWithSerialConsistency) != 0 {
		out = append(out, PutConsistency(q.SerialConsistency)...)
	}
	if q.Flags&byte(FlagWithDefaultTimestamp) != 0 {
		out = append(out, PutLong(q.DefaultTimestamp)...)
	}
	if q.Flags&byte(FlagWithKeyspace) != 0 {
		out = append(out, PutString(q.Keyspace)...)
	}
	if q.Flags&byte(FlagWithNowInSeconds) != 0 {
		out = append(out, PutInt(q.NowInSeconds)...)
	}
	return out
}

// DecodeQueryBody parses a QueryBody, tolerating any flag-indicated field
// present in a well-formed frame.
func DecodeQueryBody(b []byte) (*QueryBody, error) {
	q := &QueryBody{}
	var err error
	q.Query, b, err = GetLongString(b)
	if err != nil {
		return nil, err
	}
	q.Consistency, b, err = GetConsistency(b)
	if err != nil {
		return nil, err
	}
	if len(b) < 1 {
		return nil, cqlerror.Protocolf("query body: missing flags byte")
	}
	q.Flags = b[0]
	b = b[1:]

	if q.Flags&byte(FlagValues) != 0 {
		count, rest, err := GetShort(b)
		if err != nil {
			return nil, err
		}
		b = rest
		q.Values = make([][]byte, 0, count)
		for i := uint16(0); i < count; i++ {
			v, rest, err := GetBytes(b)
			if err != nil {
				return nil, err
			}
			q.Values = append(q.Values, v)
			b = rest
		}
	}
	q.SkipMetadata = q.Flags&byte(FlagSkipMetadata) != 0
	if q.Flags&byte(FlagPageSize) != 0 {
		q.PageSize, b, err = GetInt(b)
		if err != nil {
			return nil, err
		}
	}
	if q.Flags&byte(FlagWithPagingState) != 0 {
		q.PagingState, b, err = GetBytes(b)
		if err != nil {
			return nil, err
		}
	}
	if q.Flags&byte(FlagWithSerialConsistency) != 0 {
		q.SerialConsistency, b, err = GetConsistency(b)
		if err != nil {
			return nil, err
		}
	}
	if q.Flags&byte(FlagWithDefaultTimestamp) != 0 {
		q.DefaultTimestamp, b, err = GetLong(b)
		if err != nil {
			return nil, err
		}
	}
	if q.Flags&byte(FlagWithKeyspace) != 0 {
		q.Keyspace, b, err = GetString(b)
		if err != nil {
			return nil, err
		}
	}
	if q.Flags&byte(FlagWithNowInSeconds) != 0 {
		q.NowInSeconds, b, err = GetInt(b)
		if err != nil {
			return nil, err
		}
	}
	return q, nil
}
