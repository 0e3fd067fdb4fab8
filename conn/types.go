package conn

import (
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgtype"
)

// typeRegistry wraps pgtype.Map, the external type-encoding/decoding
// collaborator named in the core's scope. It starts with pgtype's
// built-in OID table and is extended once the bootstrap query against
// pg_type/pg_range completes.
type typeRegistry struct {
	m           *pgtype.Map
	bootstrapped bool
}

func newTypeRegistry() *typeRegistry {
	return &typeRegistry{m: pgtype.NewMap()}
}

// bootstrapRow mirrors one row of the "SELECT oid, typname, typtype,
// typbasetype FROM pg_type" bootstrap query (see protocol.go). Composite,
// enum and domain types the built-in map does not already know about are
// registered with a text codec, matching the fallback the decode path
// takes for any OID it cannot otherwise resolve.
type bootstrapRow struct {
	OID         uint32
	Name        string
	Kind        byte
	BaseTypeOID uint32
}

// parseBootstrapRows converts the decoded rows of the bootstrap query
// (see protocol.go's bootstrapQuery) into bootstrapRow values. The
// bootstrap query runs as a Simple Query, so every column arrives in
// text format; decode turns each value into whatever Go type the codec
// for its column OID produces (uint32 for the oid columns, string for
// the name column), so the conversions below accept several dynamic
// types rather than assuming one.
func parseBootstrapRows(rows [][]any) []bootstrapRow {
	out := make([]bootstrapRow, 0, len(rows))
	for _, row := range rows {
		if len(row) < 4 {
			continue
		}
		out = append(out, bootstrapRow{
			OID:         asUint32(row[0]),
			Name:        asString(row[1]),
			Kind:        asByte(row[2]),
			BaseTypeOID: asUint32(row[3]),
		})
	}
	return out
}

func asUint32(v any) uint32 {
	switch x := v.(type) {
	case uint32:
		return x
	case int32:
		return uint32(x)
	case int64:
		return uint32(x)
	case string:
		n, _ := strconv.ParseUint(x, 10, 32)
		return uint32(n)
	default:
		return 0
	}
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func asByte(v any) byte {
	s := asString(v)
	if len(s) > 0 {
		return s[0]
	}
	return 0
}

func (r *typeRegistry) bootstrap(rows []bootstrapRow) {
	for _, row := range rows {
		if _, ok := r.m.TypeForOID(row.OID); ok {
			continue
		}
		r.m.RegisterType(&pgtype.Type{
			Name:  row.Name,
			OID:   row.OID,
			Codec: pgtype.TextCodec{},
		})
	}
	r.bootstrapped = true
}

// formatCode reports which wire format to request for oid: binary when a
// binary codec is registered, text otherwise. A caller-supplied Formatter
// overrides this default.
func (r *typeRegistry) formatCode(oid uint32, f Formatter) int16 {
	if f != nil {
		return f(oid)
	}
	if t, ok := r.m.TypeForOID(oid); ok && t.Codec.FormatSupported(pgtype.BinaryFormatCode) {
		return pgtype.BinaryFormatCode
	}
	return pgtype.TextFormatCode
}

// decode turns raw column bytes into a Go value using the codec
// registered for oid. Unknown OIDs fall back to the raw bytes as a
// string, as the protocol design requires.
func (r *typeRegistry) decode(oid uint32, formatCode int16, data []byte) any {
	if data == nil {
		return nil
	}
	var dst any
	if err := r.m.Scan(oid, formatCode, data, &dst); err != nil {
		return string(data)
	}
	return dst
}

// encode turns a Go value into wire bytes for oid, used when binding
// Extended Query parameters.
func (r *typeRegistry) encode(oid uint32, formatCode int16, value any) ([]byte, error) {
	buf, err := r.m.Encode(oid, formatCode, value, nil)
	if err != nil {
		return nil, fmt.Errorf("pgconn: encoding parameter for oid %d: %w", oid, err)
	}
	return buf, nil
}
