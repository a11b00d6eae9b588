package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		String(1, "corr-1"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}},
	}
	b := EncodeFields(in)
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestTypedAccessors(t *testing.T) {
	fields, err := DecodeFields(EncodeFields([]Field{
		U8(1, 5),
		U32(2, 42),
		Bool(3, true),
		String(4, "mtu"),
		String(4, "hashId"),
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v, err := fields[0].U8(); err != nil || v != 5 {
		t.Fatalf("u8: %d %v", v, err)
	}
	if v, err := fields[1].U32(); err != nil || v != 42 {
		t.Fatalf("u32: %d %v", v, err)
	}
	if v, err := fields[2].Bool(); err != nil || !v {
		t.Fatalf("bool: %v %v", v, err)
	}
	list := GetFields(fields, 4)
	if len(list) != 2 {
		t.Fatalf("repeated field count: %d", len(list))
	}
	if _, err := fields[1].Str(); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	bad := Field{ID: 9, Type: TypeU32, Value: []byte{1}}
	if _, err := bad.U32(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}
