package model

import (
	"fmt"
	"strconv"
)

// AllowedValueRange constrains a numeric state variable.
type AllowedValueRange struct {
	Minimum float64
	Maximum float64
	Step    float64 // 0 means unconstrained
}

// StateVariable describes one state variable of a service. Value holds the
// current wire-form value on the hosting side; the owning engine is the
// only writer after construction.
type StateVariable struct {
	Name          string
	Type          DataType
	SendEvents    bool
	DefaultValue  string
	AllowedValues []string           // nil when unconstrained
	AllowedRange  *AllowedValueRange // nil when unconstrained

	value string
}

// NewStateVariable constructs a state variable with no default and an
// empty current value; SetDefault checks a default against the type and
// the allowed-value constraints and seeds the current value from it.
func NewStateVariable(name string, dt DataType, sendEvents bool) (*StateVariable, error) {
	if name == "" {
		return nil, fmt.Errorf("state variable name is empty")
	}
	if _, ok := knownTypes[dt]; !ok {
		return nil, fmt.Errorf("state variable %s: unknown data type %q", name, dt)
	}
	return &StateVariable{Name: name, Type: dt, SendEvents: sendEvents}, nil
}

// SetDefault sets the default value and seeds the current value.
func (v *StateVariable) SetDefault(def string) error {
	if err := v.CheckValue(def); err != nil {
		return fmt.Errorf("state variable %s default: %w", v.Name, err)
	}
	v.DefaultValue = def
	v.value = def
	return nil
}

// CheckValue verifies s against the data type, the allowed-value list and
// the allowed range.
func (v *StateVariable) CheckValue(s string) error {
	if err := v.Type.Validate(s); err != nil {
		return err
	}
	if v.AllowedValues != nil {
		for _, a := range v.AllowedValues {
			if a == s {
				return nil
			}
		}
		return fmt.Errorf("value %q not in allowed list", s)
	}
	if v.AllowedRange != nil && v.Type.IsNumeric() {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		if f < v.AllowedRange.Minimum || f > v.AllowedRange.Maximum {
			return fmt.Errorf("value %q outside range [%v, %v]", s, v.AllowedRange.Minimum, v.AllowedRange.Maximum)
		}
	}
	return nil
}

// SetValue updates the current value after validation. Called only by the
// engine owning the hosting service.
func (v *StateVariable) SetValue(s string) error {
	if err := v.CheckValue(s); err != nil {
		return fmt.Errorf("state variable %s: %w", v.Name, err)
	}
	v.value = s
	return nil
}

// Value returns the current wire-form value.
func (v *StateVariable) Value() string {
	return v.value
}
