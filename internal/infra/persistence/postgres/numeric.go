package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFromDecimal converts a decimal into a pgtype.Numeric value.
func numericFromDecimal(value decimal.Decimal) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if err := out.Scan(value.String()); err != nil {
		return out, fmt.Errorf("encode numeric %q: %w", value.String(), err)
	}
	return out, nil
}

// numericFromOptional converts an optional decimal into a pgtype.Numeric.
// A nil pointer maps to SQL NULL.
func numericFromOptional(ptr *decimal.Decimal) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if ptr == nil {
		return out, nil
	}
	return numericFromDecimal(*ptr)
}

// decimalFromNumeric converts a non-null pgtype.Numeric into a decimal.
func decimalFromNumeric(value pgtype.Numeric) (decimal.Decimal, error) {
	if !value.Valid {
		return decimal.Zero, fmt.Errorf("decode numeric: null value")
	}
	f, err := value.Value()
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode numeric: %w", err)
	}
	s, ok := f.(string)
	if !ok {
		return decimal.Zero, fmt.Errorf("decode numeric: unexpected driver type %T", f)
	}
	out, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode numeric %q: %w", s, err)
	}
	return out, nil
}

// optionalFromNumeric converts a nullable pgtype.Numeric into an optional decimal.
func optionalFromNumeric(value pgtype.Numeric) (*decimal.Decimal, error) {
	if !value.Valid {
		return nil, nil
	}
	out, err := decimalFromNumeric(value)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
