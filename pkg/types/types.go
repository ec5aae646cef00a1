// Package types defines the abstract value types the wire protocol engine
// exchanges with a backend, and the PostgreSQL OID/codec table that maps
// each one onto wire bytes in both text and binary format.
package types

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ha1tch/pgfrontend/pkg/wire"
)

// Type is an abstract value type independent of any backend's native type
// system. The protocol handler only ever encodes/decodes these.
type Type int

const (
	NULL Type = iota
	BIGINT
	BOOL
	BYTES
	DATE
	FLOAT
	INTEGER
	INTERVAL
	JSON
	DECIMAL
	TEXT
	TIME
	TIMESTAMP
	UNKNOWN
	INTEGER_ARRAY
	STRING_ARRAY
	ARRAY
)

func (t Type) String() string {
	switch t {
	case NULL:
		return "NULL"
	case BIGINT:
		return "BIGINT"
	case BOOL:
		return "BOOL"
	case BYTES:
		return "BYTES"
	case DATE:
		return "DATE"
	case FLOAT:
		return "FLOAT"
	case INTEGER:
		return "INTEGER"
	case INTERVAL:
		return "INTERVAL"
	case JSON:
		return "JSON"
	case DECIMAL:
		return "DECIMAL"
	case TEXT:
		return "TEXT"
	case TIME:
		return "TIME"
	case TIMESTAMP:
		return "TIMESTAMP"
	case INTEGER_ARRAY:
		return "INTEGER_ARRAY"
	case STRING_ARRAY:
		return "STRING_ARRAY"
	case ARRAY:
		return "ARRAY"
	default:
		return "UNKNOWN"
	}
}

// PostgreSQL well-known OIDs, per the PostgreSQL catalog (pg_type).
const (
	OIDBool      uint32 = 16
	OIDBytea     uint32 = 17
	OIDInt8      uint32 = 20
	OIDInt4      uint32 = 23
	OIDText      uint32 = 25
	OIDJSON      uint32 = 114
	OIDFloat8    uint32 = 701
	OIDUnknown   uint32 = 705
	OIDInt4Array uint32 = 1007
	OIDTextArray uint32 = 1009
	OIDDate      uint32 = 1082
	OIDTime      uint32 = 1083
	OIDTimestamp uint32 = 1114
	OIDInterval  uint32 = 1186
	OIDNumeric   uint32 = 1700
	OIDAnyArray  uint32 = 2277
)

// Interval represents a PostgreSQL-style interval value.
type Interval struct {
	Days         int64
	Seconds      int64
	Microseconds int64
}

func (iv Interval) String() string {
	return fmt.Sprintf("%d days %d seconds %d microseconds", iv.Days, iv.Seconds, iv.Microseconds)
}

// epoch is the PostgreSQL binary-format epoch for DATE/TIMESTAMP.
var epoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// codec holds a type's OID plus text/binary encoders and decoders. Binary
// may be nil for types without a defined binary wire format, in which case
// a binary-format request for that type fails the query.
type codec struct {
	oid          uint32
	encodeText   func(v interface{}) ([]byte, error)
	decodeText   func([]byte) (interface{}, error)
	encodeBinary func(v interface{}) ([]byte, error)
	decodeBinary func([]byte) (interface{}, error)
}

var codecs = map[Type]codec{
	BOOL: {
		oid: OIDBool,
		encodeText: func(v interface{}) ([]byte, error) {
			if v.(bool) {
				return []byte("true"), nil
			}
			return []byte("false"), nil
		},
		decodeText: func(b []byte) (interface{}, error) {
			switch strings.ToLower(string(b)) {
			case "t", "true", "1":
				return true, nil
			case "f", "false", "0":
				return false, nil
			default:
				return nil, fmt.Errorf("invalid bool text literal %q", b)
			}
		},
		encodeBinary: func(v interface{}) ([]byte, error) {
			if v.(bool) {
				return []byte{1}, nil
			}
			return []byte{0}, nil
		},
		decodeBinary: func(b []byte) (interface{}, error) {
			if len(b) != 1 {
				return nil, fmt.Errorf("bool binary value must be 1 byte, got %d", len(b))
			}
			return b[0] != 0, nil
		},
	},
	INTEGER: {
		oid: OIDInt4,
		encodeText: func(v interface{}) ([]byte, error) {
			return []byte(strconv.FormatInt(toInt64(v), 10)), nil
		},
		decodeText: func(b []byte) (interface{}, error) {
			n, err := strconv.ParseInt(string(b), 10, 32)
			return int32(n), err
		},
		encodeBinary: func(v interface{}) ([]byte, error) {
			w := wire.NewWriter()
			w.I32(int32(toInt64(v)))
			return w.Bytes(), nil
		},
		decodeBinary: func(b []byte) (interface{}, error) {
			if len(b) != 4 {
				return nil, fmt.Errorf("int4 binary value must be 4 bytes, got %d", len(b))
			}
			return wire.NewReader(b).I32()
		},
	},
	BIGINT: {
		oid: OIDInt8,
		encodeText: func(v interface{}) ([]byte, error) {
			return []byte(strconv.FormatInt(toInt64(v), 10)), nil
		},
		decodeText: func(b []byte) (interface{}, error) {
			return strconv.ParseInt(string(b), 10, 64)
		},
		encodeBinary: func(v interface{}) ([]byte, error) {
			w := wire.NewWriter()
			w.I64(toInt64(v))
			return w.Bytes(), nil
		},
		decodeBinary: func(b []byte) (interface{}, error) {
			if len(b) != 8 {
				return nil, fmt.Errorf("int8 binary value must be 8 bytes, got %d", len(b))
			}
			return wire.NewReader(b).I64()
		},
	},
	FLOAT: {
		oid: OIDFloat8,
		encodeText: func(v interface{}) ([]byte, error) {
			return []byte(strconv.FormatFloat(toFloat64(v), 'g', -1, 64)), nil
		},
		decodeText: func(b []byte) (interface{}, error) {
			return strconv.ParseFloat(string(b), 64)
		},
		encodeBinary: func(v interface{}) ([]byte, error) {
			w := wire.NewWriter()
			w.F64(toFloat64(v))
			return w.Bytes(), nil
		},
		decodeBinary: func(b []byte) (interface{}, error) {
			if len(b) != 8 {
				return nil, fmt.Errorf("float8 binary value must be 8 bytes, got %d", len(b))
			}
			return wire.NewReader(b).F64()
		},
	},
	TEXT: {
		oid: OIDText,
		encodeText: func(v interface{}) ([]byte, error) {
			return []byte(fmt.Sprintf("%v", v)), nil
		},
		decodeText: func(b []byte) (interface{}, error) {
			return string(b), nil
		},
		encodeBinary: func(v interface{}) ([]byte, error) {
			return []byte(fmt.Sprintf("%v", v)), nil
		},
		decodeBinary: func(b []byte) (interface{}, error) {
			return string(b), nil
		},
	},
	BYTES: {
		oid: OIDBytea,
		encodeText: func(v interface{}) ([]byte, error) {
			b, ok := v.([]byte)
			if !ok {
				return nil, fmt.Errorf("bytes value must be []byte, got %T", v)
			}
			return []byte("\\x" + hex.EncodeToString(b)), nil
		},
		decodeText: func(b []byte) (interface{}, error) {
			s := string(b)
			if strings.HasPrefix(s, "\\x") {
				return hex.DecodeString(s[2:])
			}
			return []byte(s), nil
		},
		encodeBinary: func(v interface{}) ([]byte, error) {
			b, ok := v.([]byte)
			if !ok {
				return nil, fmt.Errorf("bytes value must be []byte, got %T", v)
			}
			return b, nil
		},
		decodeBinary: func(b []byte) (interface{}, error) {
			return b, nil
		},
	},
	DATE: {
		oid: OIDDate,
		encodeText: func(v interface{}) ([]byte, error) {
			return []byte(toTime(v).Format("2006-01-02")), nil
		},
		decodeText: func(b []byte) (interface{}, error) {
			return time.Parse("2006-01-02", string(b))
		},
		encodeBinary: func(v interface{}) ([]byte, error) {
			days := int32(toTime(v).Sub(epoch).Hours() / 24)
			w := wire.NewWriter()
			w.I32(days)
			return w.Bytes(), nil
		},
		decodeBinary: func(b []byte) (interface{}, error) {
			if len(b) != 4 {
				return nil, fmt.Errorf("date binary value must be 4 bytes, got %d", len(b))
			}
			days, err := wire.NewReader(b).I32()
			if err != nil {
				return nil, err
			}
			return epoch.AddDate(0, 0, int(days)), nil
		},
	},
	TIME: {
		oid: OIDTime,
		encodeText: func(v interface{}) ([]byte, error) {
			return []byte(toTime(v).Format("15:04:05.999999")), nil
		},
		decodeText: func(b []byte) (interface{}, error) {
			return time.Parse("15:04:05.999999", string(b))
		},
		encodeBinary: func(v interface{}) ([]byte, error) {
			t := toTime(v)
			micros := int64(t.Hour())*3600e6 + int64(t.Minute())*60e6 + int64(t.Second())*1e6 + int64(t.Nanosecond())/1000
			w := wire.NewWriter()
			w.I64(micros)
			return w.Bytes(), nil
		},
		decodeBinary: func(b []byte) (interface{}, error) {
			if len(b) != 8 {
				return nil, fmt.Errorf("time binary value must be 8 bytes, got %d", len(b))
			}
			micros, err := wire.NewReader(b).I64()
			if err != nil {
				return nil, err
			}
			return time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(micros) * time.Microsecond), nil
		},
	},
	TIMESTAMP: {
		oid: OIDTimestamp,
		encodeText: func(v interface{}) ([]byte, error) {
			return []byte(toTime(v).Format("2006-01-02 15:04:05.999999")), nil
		},
		decodeText: func(b []byte) (interface{}, error) {
			return time.Parse("2006-01-02 15:04:05.999999", string(b))
		},
		encodeBinary: func(v interface{}) ([]byte, error) {
			micros := toTime(v).Sub(epoch).Microseconds()
			w := wire.NewWriter()
			w.I64(micros)
			return w.Bytes(), nil
		},
		decodeBinary: func(b []byte) (interface{}, error) {
			if len(b) != 8 {
				return nil, fmt.Errorf("timestamp binary value must be 8 bytes, got %d", len(b))
			}
			micros, err := wire.NewReader(b).I64()
			if err != nil {
				return nil, err
			}
			return epoch.Add(time.Duration(micros) * time.Microsecond), nil
		},
	},
	JSON: {
		oid: OIDJSON,
		encodeText: func(v interface{}) ([]byte, error) {
			if b, ok := v.([]byte); ok {
				return b, nil
			}
			if s, ok := v.(string); ok {
				return []byte(s), nil
			}
			return json.Marshal(v)
		},
		decodeText: func(b []byte) (interface{}, error) {
			return string(b), nil
		},
		// No binary encoding defined; JSON binary requests fail.
	},
	DECIMAL: {
		oid: OIDNumeric,
		encodeText: func(v interface{}) ([]byte, error) {
			d, ok := v.(decimal.Decimal)
			if !ok {
				return nil, fmt.Errorf("decimal value must be decimal.Decimal, got %T", v)
			}
			return []byte(d.String()), nil
		},
		decodeText: func(b []byte) (interface{}, error) {
			return decimal.NewFromString(string(b))
		},
		// No binary encoding defined; numeric binary wire format is not
		// implemented (PostgreSQL's binary numeric layout is variable-width
		// and not needed by any in-scope client).
	},
	INTERVAL: {
		oid: OIDInterval,
		encodeText: func(v interface{}) ([]byte, error) {
			iv, ok := v.(Interval)
			if !ok {
				return nil, fmt.Errorf("interval value must be Interval, got %T", v)
			}
			return []byte(iv.String()), nil
		},
		decodeText: func(b []byte) (interface{}, error) {
			var iv Interval
			_, err := fmt.Sscanf(string(b), "%d days %d seconds %d microseconds", &iv.Days, &iv.Seconds, &iv.Microseconds)
			return iv, err
		},
	},
	UNKNOWN: {
		oid: OIDUnknown,
		encodeText: func(v interface{}) ([]byte, error) {
			return []byte(fmt.Sprintf("%v", v)), nil
		},
		decodeText: func(b []byte) (interface{}, error) {
			return string(b), nil
		},
	},
	INTEGER_ARRAY: {
		oid: OIDInt4Array,
		encodeText: func(v interface{}) ([]byte, error) {
			return encodeArrayText(v)
		},
		decodeText: func(b []byte) (interface{}, error) {
			return decodeArrayText(b)
		},
	},
	STRING_ARRAY: {
		oid: OIDTextArray,
		encodeText: func(v interface{}) ([]byte, error) {
			return encodeArrayText(v)
		},
		decodeText: func(b []byte) (interface{}, error) {
			return decodeArrayText(b)
		},
	},
	ARRAY: {
		oid: OIDAnyArray,
		encodeText: func(v interface{}) ([]byte, error) {
			return encodeArrayText(v)
		},
		decodeText: func(b []byte) (interface{}, error) {
			return decodeArrayText(b)
		},
	},
}

func encodeArrayText(v interface{}) ([]byte, error) {
	var elems []string
	switch arr := v.(type) {
	case []string:
		elems = arr
	case []interface{}:
		for _, e := range arr {
			elems = append(elems, fmt.Sprintf("%v", e))
		}
	default:
		return nil, fmt.Errorf("array value must be a slice, got %T", v)
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range elems {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(e)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func decodeArrayText(b []byte) (interface{}, error) {
	s := strings.TrimSpace(string(b))
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil, fmt.Errorf("malformed array literal %q", s)
	}
	inner := s[1 : len(s)-1]
	if inner == "" {
		return []string{}, nil
	}
	return strings.Split(inner, ","), nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case float32:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

func toTime(v interface{}) time.Time {
	t, _ := v.(time.Time)
	return t
}

// OID returns the PostgreSQL OID for an abstract type. Unknown types fall
// back to OIDUnknown.
func OID(t Type) uint32 {
	if c, ok := codecs[t]; ok {
		return c.oid
	}
	return OIDUnknown
}

// EncodeText renders v as the type's text-format wire bytes. NULL values
// must be handled by the caller (field length -1) before reaching here.
func EncodeText(t Type, v interface{}) ([]byte, error) {
	c, ok := codecs[t]
	if !ok || c.encodeText == nil {
		return []byte(fmt.Sprintf("%v", v)), nil
	}
	return c.encodeText(v)
}

// DecodeText parses wire bytes in text format into a Go value for type t.
func DecodeText(t Type, b []byte) (interface{}, error) {
	c, ok := codecs[t]
	if !ok || c.decodeText == nil {
		return string(b), nil
	}
	return c.decodeText(b)
}

// HasBinary reports whether t has a defined binary wire format.
func HasBinary(t Type) bool {
	c, ok := codecs[t]
	return ok && c.encodeBinary != nil
}

// EncodeBinary renders v as the type's binary-format wire bytes. Returns an
// error if the type has no binary encoding.
func EncodeBinary(t Type, v interface{}) ([]byte, error) {
	c, ok := codecs[t]
	if !ok || c.encodeBinary == nil {
		return nil, fmt.Errorf("unsupported binary encoding for type %s", t)
	}
	return c.encodeBinary(v)
}

// DecodeBinary parses wire bytes in binary format for type t, consulting
// the type's declared decoder rather than assuming a big-endian integer.
func DecodeBinary(t Type, b []byte) (interface{}, error) {
	c, ok := codecs[t]
	if !ok || c.decodeBinary == nil {
		return nil, fmt.Errorf("unsupported binary decoding for type %s", t)
	}
	return c.decodeBinary(b)
}

// FromOID maps a PostgreSQL parameter-type OID (as declared in a Parse
// message) back to an abstract Type, for binary Bind-parameter decoding.
func FromOID(oid uint32) Type {
	switch oid {
	case OIDBool:
		return BOOL
	case OIDBytea:
		return BYTES
	case OIDInt8:
		return BIGINT
	case OIDInt4:
		return INTEGER
	case OIDText:
		return TEXT
	case OIDJSON:
		return JSON
	case OIDFloat8:
		return FLOAT
	case OIDInt4Array:
		return INTEGER_ARRAY
	case OIDTextArray:
		return STRING_ARRAY
	case OIDDate:
		return DATE
	case OIDTime:
		return TIME
	case OIDTimestamp:
		return TIMESTAMP
	case OIDInterval:
		return INTERVAL
	case OIDNumeric:
		return DECIMAL
	default:
		return UNKNOWN
	}
}
