package model

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DataType is a UPnP state-variable data type as named by UDA.
type DataType string

const (
	TypeUI1        DataType = "ui1"
	TypeUI2        DataType = "ui2"
	TypeUI4        DataType = "ui4"
	TypeI1         DataType = "i1"
	TypeI2         DataType = "i2"
	TypeI4         DataType = "i4"
	TypeInt        DataType = "int"
	TypeR4         DataType = "r4"
	TypeR8         DataType = "r8"
	TypeNumber     DataType = "number"
	TypeFloat      DataType = "float"
	TypeFixed144   DataType = "fixed.14.4"
	TypeChar       DataType = "char"
	TypeString     DataType = "string"
	TypeBoolean    DataType = "boolean"
	TypeBinBase64  DataType = "bin.base64"
	TypeBinHex     DataType = "bin.hex"
	TypeDate       DataType = "date"
	TypeDateTime   DataType = "dateTime"
	TypeDateTimeTZ DataType = "dateTime.tz"
	TypeTime       DataType = "time"
	TypeTimeTZ     DataType = "time.tz"
	TypeURI        DataType = "uri"
	TypeUUID       DataType = "uuid"
)

var knownTypes = map[DataType]struct{}{
	TypeUI1: {}, TypeUI2: {}, TypeUI4: {}, TypeI1: {}, TypeI2: {}, TypeI4: {},
	TypeInt: {}, TypeR4: {}, TypeR8: {}, TypeNumber: {}, TypeFloat: {},
	TypeFixed144: {}, TypeChar: {}, TypeString: {}, TypeBoolean: {},
	TypeBinBase64: {}, TypeBinHex: {}, TypeDate: {}, TypeDateTime: {},
	TypeDateTimeTZ: {}, TypeTime: {}, TypeTimeTZ: {}, TypeURI: {}, TypeUUID: {},
}

// ParseDataType validates a data type name.
func ParseDataType(s string) (DataType, error) {
	dt := DataType(s)
	if _, ok := knownTypes[dt]; !ok {
		return "", fmt.Errorf("unknown data type %q", s)
	}
	return dt, nil
}

// IsNumeric reports whether the type belongs to the integer or floating
// families.
func (d DataType) IsNumeric() bool {
	switch d {
	case TypeUI1, TypeUI2, TypeUI4, TypeI1, TypeI2, TypeI4, TypeInt,
		TypeR4, TypeR8, TypeNumber, TypeFloat, TypeFixed144:
		return true
	}
	return false
}

var intRanges = map[DataType][2]int64{
	TypeUI1: {0, 255},
	TypeUI2: {0, 65535},
	TypeUI4: {0, 4294967295},
	TypeI1:  {-128, 127},
	TypeI2:  {-32768, 32767},
	TypeI4:  {-2147483648, 2147483647},
}

// Coerce converts the wire form s into a native Go value for the type and
// reports an error when s is not representable. The returned values are
// bool, int64, float64, string, []byte or time.Time.
func (d DataType) Coerce(s string) (any, error) {
	switch d {
	case TypeBoolean:
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "1", "true", "yes":
			return true, nil
		case "0", "false", "no":
			return false, nil
		}
		return nil, fmt.Errorf("value %q is not a boolean", s)

	case TypeUI1, TypeUI2, TypeUI4, TypeI1, TypeI2, TypeI4, TypeInt:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q is not an integer", s)
		}
		if r, ok := intRanges[d]; ok && (n < r[0] || n > r[1]) {
			return nil, fmt.Errorf("value %q out of range for %s", s, d)
		}
		return n, nil

	case TypeR4, TypeR8, TypeNumber, TypeFloat, TypeFixed144:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("value %q is not a number", s)
		}
		return f, nil

	case TypeChar:
		r := []rune(s)
		if len(r) != 1 {
			return nil, fmt.Errorf("value %q is not a single character", s)
		}
		return s, nil

	case TypeString:
		return s, nil

	case TypeBinBase64:
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("value is not base64: %w", err)
		}
		return b, nil

	case TypeBinHex:
		b, err := hex.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("value is not hex: %w", err)
		}
		return b, nil

	case TypeDate:
		t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("value %q is not a date", s)
		}
		return t, nil

	case TypeDateTime, TypeDateTimeTZ:
		trimmed := strings.TrimSpace(s)
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, trimmed); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("value %q is not a dateTime", s)

	case TypeTime, TypeTimeTZ:
		trimmed := strings.TrimSpace(s)
		for _, layout := range []string{"15:04:05", "15:04:05Z07:00"} {
			if t, err := time.Parse(layout, trimmed); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("value %q is not a time", s)

	case TypeURI:
		u, err := url.Parse(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("value %q is not a URI", s)
		}
		return u.String(), nil

	case TypeUUID:
		trimmed := strings.TrimPrefix(strings.TrimSpace(s), "uuid:")
		if _, err := uuid.Parse(trimmed); err != nil {
			return nil, fmt.Errorf("value %q is not a uuid", s)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown data type %q", d)
}

// Validate reports whether s is representable in the type.
func (d DataType) Validate(s string) error {
	_, err := d.Coerce(s)
	return err
}
