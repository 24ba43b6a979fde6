package utils

import (
	"fmt"
	"strings"
	"time"
)

var apiTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseAPITime parses the timestamp shapes used by the VRChat API and the local history store.
// An empty value yields the zero time and no error.
func ParseAPITime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "none" {
		return time.Time{}, nil
	}
	for _, layout := range apiTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse time %q: unsupported layout", value)
}
