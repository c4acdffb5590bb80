package storage

import (
	"fmt"
	"time"
)

// Timestamp layouts returned by the SQLite driver for DATETIME columns.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// timeValue scans a NOT NULL timestamp column.
type timeValue struct{ dst *time.Time }

func (v timeValue) Scan(src any) error {
	switch s := src.(type) {
	case time.Time:
		*v.dst = s.UTC()
	case string:
		t, err := parseTime(s)
		if err != nil {
			return err
		}
		*v.dst = t
	case []byte:
		t, err := parseTime(string(s))
		if err != nil {
			return err
		}
		*v.dst = t
	case int64:
		*v.dst = time.Unix(s, 0).UTC()
	case nil:
		*v.dst = time.Time{}
	default:
		return fmt.Errorf("cannot scan %T into time", src)
	}
	return nil
}

// nullTimeValue scans a nullable timestamp column into a *time.Time.
type nullTimeValue struct{ dst **time.Time }

func (v nullTimeValue) Scan(src any) error {
	if src == nil {
		*v.dst = nil
		return nil
	}
	var t time.Time
	if err := (timeValue{&t}).Scan(src); err != nil {
		return err
	}
	*v.dst = &t
	return nil
}
