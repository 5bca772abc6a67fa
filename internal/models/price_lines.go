package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// PriceLines is stored as a JSONB column.
type PriceLines []PriceLine

func (p PriceLines) Value() (driver.Value, error) {
	if p == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p)
}

func (p *PriceLines) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*p = PriceLines{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for price lines", src)
	}
	return json.Unmarshal(raw, p)
}

// Sum of all line amounts.
func (p PriceLines) Sum() int64 {
	var total int64
	for _, l := range p {
		total += l.Amount
	}
	return total
}
