package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Decimal reads prices and sizes from YAML without going through float64.
// Quoted ("0.01") and bare (0.01) scalars are both accepted; an empty or
// null value is zero.
type Decimal struct {
	decimal.Decimal
}

func NewDecimal(s string) Decimal {
	return Decimal{Decimal: decimal.RequireFromString(s)}
}

func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a decimal scalar", value.Line)
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" || value.Tag == "!!null" {
		d.Decimal = decimal.Zero
		return nil
	}
	dec, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid decimal %q: %w", value.Line, value.Value, err)
	}
	d.Decimal = dec
	return nil
}

// MarshalYAML writes the canonical string form so a round trip keeps every digit.
func (d Decimal) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
