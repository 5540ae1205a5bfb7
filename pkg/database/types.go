package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// StringMap stores a string map as a JSON document. It works the same on
// PostgreSQL, MySQL and SQLite since it is written as text.
type StringMap map[string]string

// Scan implements the sql.Scanner interface for reading from the database.
func (m *StringMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return m.scanBytes(v)
	case string:
		return m.scanBytes([]byte(v))
	default:
		return errors.New("StringMap: unsupported scan type")
	}
}

func (m *StringMap) scanBytes(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// Value implements the driver.Valuer interface for writing to the database.
func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDataType returns the GORM data type hint.
func (StringMap) GormDataType() string {
	return "text"
}
