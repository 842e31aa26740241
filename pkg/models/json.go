package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is an open-shape metadata blob stored in a jsonb column. The shape
// is intentionally opaque at the persistence boundary; producers attach
// whatever per-phase telemetry they have.
type JSONMap map[string]any

// Value implements driver.Valuer for jsonb storage.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for jsonb retrieval.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("metadata: cannot scan %T into JSONMap", src)
	}
	return json.Unmarshal(b, m)
}

// Citations is an ordered citation list stored as a jsonb array.
type Citations []Citation

// Value implements driver.Valuer for jsonb storage. A nil slice stores an
// empty array rather than NULL so reports always round-trip a list.
func (c Citations) Value() (driver.Value, error) {
	if c == nil {
		return json.Marshal([]Citation{})
	}
	return json.Marshal([]Citation(c))
}

// Scan implements sql.Scanner for jsonb retrieval.
func (c *Citations) Scan(src any) error {
	if src == nil {
		*c = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("citations: cannot scan %T into Citations", src)
	}
	return json.Unmarshal(b, c)
}
