package types

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestTextRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		typ  Type
		val  interface{}
	}{
		{"bool true", BOOL, true},
		{"bool false", BOOL, false},
		{"integer", INTEGER, int32(42)},
		{"bigint", BIGINT, int64(9223372036854775807)},
		{"float", FLOAT, 3.14159},
		{"text", TEXT, "hello world"},
		{"decimal", DECIMAL, decimal.RequireFromString("123.456")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeText(tt.typ, tt.val)
			if err != nil {
				t.Fatalf("EncodeText: %v", err)
			}
			decoded, err := DecodeText(tt.typ, encoded)
			if err != nil {
				t.Fatalf("DecodeText: %v", err)
			}
			switch want := tt.val.(type) {
			case decimal.Decimal:
				if !decoded.(decimal.Decimal).Equal(want) {
					t.Errorf("got %v, want %v", decoded, want)
				}
			default:
				if decoded != tt.val {
					t.Errorf("got %v, want %v", decoded, tt.val)
				}
			}
		})
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		typ  Type
		val  interface{}
	}{
		{"bool", BOOL, true},
		{"integer", INTEGER, int32(-12345)},
		{"bigint", BIGINT, int64(-1)},
		{"float", FLOAT, 2.71828},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !HasBinary(tt.typ) {
				t.Fatalf("expected %s to have a binary encoding", tt.typ)
			}
			encoded, err := EncodeBinary(tt.typ, tt.val)
			if err != nil {
				t.Fatalf("EncodeBinary: %v", err)
			}
			decoded, err := DecodeBinary(tt.typ, encoded)
			if err != nil {
				t.Fatalf("DecodeBinary: %v", err)
			}
			if decoded != tt.val {
				t.Errorf("got %v, want %v", decoded, tt.val)
			}
		})
	}
}

func TestDateTimeBinaryRoundTrip(t *testing.T) {
	d := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	encoded, err := EncodeBinary(DATE, d)
	if err != nil {
		t.Fatalf("EncodeBinary: %v", err)
	}
	decoded, err := DecodeBinary(DATE, encoded)
	if err != nil {
		t.Fatalf("DecodeBinary: %v", err)
	}
	got := decoded.(time.Time)
	if !got.Equal(d) {
		t.Errorf("got %v, want %v", got, d)
	}

	ts := time.Date(2024, 3, 15, 13, 45, 30, 0, time.UTC)
	encoded, err = EncodeBinary(TIMESTAMP, ts)
	if err != nil {
		t.Fatalf("EncodeBinary: %v", err)
	}
	decoded, err = DecodeBinary(TIMESTAMP, encoded)
	if err != nil {
		t.Fatalf("DecodeBinary: %v", err)
	}
	got = decoded.(time.Time)
	if !got.Equal(ts) {
		t.Errorf("got %v, want %v", got, ts)
	}
}

func TestTimeBinaryRoundTrip(t *testing.T) {
	tm := time.Date(0, 1, 1, 13, 45, 30, 123000, time.UTC)
	encoded, err := EncodeBinary(TIME, tm)
	if err != nil {
		t.Fatalf("EncodeBinary: %v", err)
	}
	decoded, err := DecodeBinary(TIME, encoded)
	if err != nil {
		t.Fatalf("DecodeBinary: %v", err)
	}
	got := decoded.(time.Time)
	if got.Hour() != 13 || got.Minute() != 45 || got.Second() != 30 {
		t.Errorf("got %v, want 13:45:30", got)
	}
}

func TestBytesTextEncoding(t *testing.T) {
	encoded, err := EncodeText(BYTES, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	if err != nil {
		t.Fatalf("EncodeText: %v", err)
	}
	if !bytes.Equal(encoded, []byte("\\xdeadbeef")) {
		t.Errorf("got %q, want %q", encoded, "\\xdeadbeef")
	}
}

func TestUnsupportedBinaryEncoding(t *testing.T) {
	if HasBinary(JSON) {
		t.Fatal("expected JSON to have no binary encoding")
	}
	if _, err := EncodeBinary(JSON, "{}"); err == nil {
		t.Fatal("expected error encoding JSON in binary format")
	}
	if _, err := DecodeBinary(JSON, []byte("{}")); err == nil {
		t.Fatal("expected error decoding JSON in binary format")
	}
}

func TestNullFallsBackToUnknownOID(t *testing.T) {
	if OID(NULL) != OIDUnknown {
		t.Errorf("expected NULL type to fall back to OID %d, got %d", OIDUnknown, OID(NULL))
	}
	if OID(UNKNOWN) != OIDUnknown {
		t.Errorf("expected UNKNOWN type to map to OID %d, got %d", OIDUnknown, OID(UNKNOWN))
	}
}

func TestFromOIDRoundTrip(t *testing.T) {
	tests := []struct {
		oid  uint32
		want Type
	}{
		{OIDInt4, INTEGER},
		{OIDInt8, BIGINT},
		{OIDText, TEXT},
		{OIDBool, BOOL},
		{999999, UNKNOWN},
	}
	for _, tt := range tests {
		if got := FromOID(tt.oid); got != tt.want {
			t.Errorf("FromOID(%d) = %v, want %v", tt.oid, got, tt.want)
		}
	}
}

func TestArrayTextRoundTrip(t *testing.T) {
	encoded, err := EncodeText(STRING_ARRAY, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EncodeText: %v", err)
	}
	if string(encoded) != "{a,b,c}" {
		t.Errorf("got %q, want %q", encoded, "{a,b,c}")
	}
	decoded, err := DecodeText(STRING_ARRAY, encoded)
	if err != nil {
		t.Fatalf("DecodeText: %v", err)
	}
	arr := decoded.([]string)
	if len(arr) != 3 || arr[0] != "a" || arr[2] != "c" {
		t.Errorf("got %v", arr)
	}
}
