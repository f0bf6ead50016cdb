package utils

import (
	"reflect"
	"strconv"
	"strings"
)

// PatchColumns turns a partial-update body into GORM column updates. Only
// non-nil pointer fields are included. The column is taken from a
// `gorm:"column:..."` tag when present, otherwise from the json name.
func PatchColumns(dto any) map[string]any {
	out := make(map[string]any)
	v := reflect.ValueOf(dto)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return out
	}
	s := v.Elem()
	for i := 0; i < s.NumField(); i++ {
		fv := s.Field(i)
		if fv.Kind() != reflect.Ptr || fv.IsNil() {
			continue
		}
		if col := patchColumn(s.Type().Field(i)); col != "" {
			out[col] = fv.Elem().Interface()
		}
	}
	return out
}

func patchColumn(sf reflect.StructField) string {
	for _, part := range strings.Split(sf.Tag.Get("gorm"), ";") {
		if col, ok := strings.CutPrefix(part, "column:"); ok {
			return col
		}
	}
	name := strings.Split(sf.Tag.Get("json"), ",")[0]
	if name == "-" {
		return ""
	}
	return name
}

// Page sizes accepted by the operator listings.
const (
	DefaultPageLimit = 100
	MaxPageLimit     = 500
)

// PageLimit parses a ?limit= value, falling back to DefaultPageLimit when it
// is missing, not a positive number, or above MaxPageLimit.
func PageLimit(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || v <= 0 || v > MaxPageLimit {
		return DefaultPageLimit
	}
	return v
}
