package conn

import (
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
)

func TestTypeRegistry_DecodeUnknownOIDFallsBackToString(t *testing.T) {
	r := newTypeRegistry()
	// OID 999999 is never registered by pgtype's built-in map.
	got := r.decode(999999, pgtype.TextFormatCode, []byte("raw-bytes"))
	s, ok := got.(string)
	if !ok || s != "raw-bytes" {
		t.Fatalf("expected fallback to the raw string, got %#v", got)
	}
}

func TestTypeRegistry_DecodeNilIsNil(t *testing.T) {
	r := newTypeRegistry()
	if got := r.decode(pgtype.TextOID, pgtype.TextFormatCode, nil); got != nil {
		t.Errorf("expected nil for a NULL column, got %#v", got)
	}
}

func TestTypeRegistry_DecodeKnownOID(t *testing.T) {
	r := newTypeRegistry()
	got := r.decode(pgtype.Int4OID, pgtype.TextFormatCode, []byte("42"))
	n, ok := got.(int32)
	if !ok || n != 42 {
		t.Fatalf("expected int32(42), got %#v", got)
	}
}

func TestTypeRegistry_FormatCodeDefaultsByRegistration(t *testing.T) {
	r := newTypeRegistry()
	if code := r.formatCode(pgtype.Int4OID, nil); code != pgtype.BinaryFormatCode {
		t.Errorf("expected a known OID to default to binary, got %d", code)
	}
	if code := r.formatCode(999999, nil); code != pgtype.TextFormatCode {
		t.Errorf("expected an unknown OID to default to text, got %d", code)
	}
}

func TestTypeRegistry_FormatCodeOverriddenByFormatter(t *testing.T) {
	r := newTypeRegistry()
	always := func(oid uint32) int16 { return pgtype.TextFormatCode }
	if code := r.formatCode(pgtype.Int4OID, always); code != pgtype.TextFormatCode {
		t.Errorf("expected caller-supplied Formatter to override the default, got %d", code)
	}
}

func TestTypeRegistry_BootstrapRegistersUnknownOIDAsText(t *testing.T) {
	r := newTypeRegistry()
	r.bootstrap([]bootstrapRow{
		{OID: 900001, Name: "my_enum", Kind: 'e', BaseTypeOID: 0},
	})
	if !r.bootstrapped {
		t.Error("expected bootstrapped to be set")
	}
	if code := r.formatCode(900001, nil); code != pgtype.BinaryFormatCode {
		t.Errorf("expected the newly registered OID to now resolve, got format %d", code)
	}
	got := r.decode(900001, pgtype.TextFormatCode, []byte("member-a"))
	if s, ok := got.(string); !ok || s != "member-a" {
		t.Fatalf("expected the text codec fallback to decode to a string, got %#v", got)
	}
}

func TestTypeRegistry_BootstrapSkipsAlreadyKnownOID(t *testing.T) {
	r := newTypeRegistry()
	// Int4OID is already known to the built-in map; bootstrap must not
	// clobber its codec with a plain text one.
	r.bootstrap([]bootstrapRow{
		{OID: pgtype.Int4OID, Name: "int4", Kind: 'b', BaseTypeOID: 0},
	})
	got := r.decode(pgtype.Int4OID, pgtype.TextFormatCode, []byte("7"))
	if n, ok := got.(int32); !ok || n != 7 {
		t.Fatalf("expected the built-in int4 codec to still apply, got %#v", got)
	}
}

func TestParseBootstrapRows(t *testing.T) {
	rows := [][]any{
		{uint32(16), "bool", "b", uint32(0)},
		{"900002", "my_domain", []byte("d"), "16"},
		{"not-enough"},
	}
	parsed := parseBootstrapRows(rows)
	if len(parsed) != 2 {
		t.Fatalf("expected short rows to be skipped, got %d rows", len(parsed))
	}
	if parsed[0].OID != 16 || parsed[0].Name != "bool" || parsed[0].Kind != 'b' || parsed[0].BaseTypeOID != 0 {
		t.Errorf("unexpected first row: %+v", parsed[0])
	}
	if parsed[1].OID != 900002 || parsed[1].Name != "my_domain" || parsed[1].Kind != 'd' || parsed[1].BaseTypeOID != 16 {
		t.Errorf("unexpected second row: %+v", parsed[1])
	}
}

func TestAsUint32Conversions(t *testing.T) {
	cases := []struct {
		in   any
		want uint32
	}{
		{uint32(5), 5},
		{int32(6), 6},
		{int64(7), 7},
		{"8", 8},
		{"not-a-number", 0},
		{3.14, 0},
	}
	for _, c := range cases {
		if got := asUint32(c.in); got != c.want {
			t.Errorf("asUint32(%#v) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestAsStringConversions(t *testing.T) {
	if got := asString("hi"); got != "hi" {
		t.Errorf("asString(string) = %q", got)
	}
	if got := asString([]byte("hi")); got != "hi" {
		t.Errorf("asString([]byte) = %q", got)
	}
	if got := asString(42); got != "42" {
		t.Errorf("asString(int) = %q", got)
	}
}

func TestAsByteConversions(t *testing.T) {
	if got := asByte("b"); got != 'b' {
		t.Errorf("asByte(%q) = %q", "b", got)
	}
	if got := asByte(""); got != 0 {
		t.Errorf("asByte(empty) = %d, want 0", got)
	}
}
