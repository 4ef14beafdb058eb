// Package schema describes persisted object classes and the per-realm metadata used to
// map property names to storage columns.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidSchema indicates that a schema definition is malformed.
	ErrInvalidSchema = errors.New("schema: invalid definition")
	// ErrUnknownClass indicates that a class is not part of the schema.
	ErrUnknownClass = errors.New("schema: class not in schema")
	// ErrUnknownProperty indicates that a property is not part of a class.
	ErrUnknownProperty = errors.New("schema: unknown property")
	// ErrTypeMismatch indicates that a value cannot be stored in a property.
	ErrTypeMismatch = errors.New("schema: type mismatch")
	// ErrNullNotAllowed indicates that nil was supplied for a required property.
	ErrNullNotAllowed = errors.New("schema: null not allowed")
)

// PropertyType enumerates storable value kinds.
type PropertyType int

const (
	TypeInt PropertyType = iota
	TypeBool
	TypeString
	TypeFloat
	TypeDouble
	TypeDecimal
	TypeDate
	TypeData
)

var propertyTypeNames = map[PropertyType]string{
	TypeInt:     "int",
	TypeBool:    "bool",
	TypeString:  "string",
	TypeFloat:   "float",
	TypeDouble:  "double",
	TypeDecimal: "decimal",
	TypeDate:    "date",
	TypeData:    "data",
}

func (t PropertyType) String() string {
	if name, ok := propertyTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Numeric reports whether values of this type take part in numeric comparisons.
func (t PropertyType) Numeric() bool {
	switch t {
	case TypeInt, TypeFloat, TypeDouble, TypeDecimal:
		return true
	default:
		return false
	}
}

// ParsePropertyType is the inverse of String.
func ParsePropertyType(raw string) (PropertyType, error) {
	needle := strings.ToLower(strings.TrimSpace(raw))
	for value, name := range propertyTypeNames {
		if name == needle {
			return value, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown property type %q", ErrInvalidSchema, raw)
}

// MarshalJSON encodes the type by name.
func (t PropertyType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a type name.
func (t *PropertyType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParsePropertyType(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Property describes one persisted field.
type Property struct {
	Name       string       `json:"name" yaml:"name"`
	Type       PropertyType `json:"type" yaml:"type"`
	Nullable   bool         `json:"nullable,omitempty" yaml:"nullable,omitempty"`
	PrimaryKey bool         `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
	Indexed    bool         `json:"indexed,omitempty" yaml:"indexed,omitempty"`
}

// ObjectSchema describes one class.
type ObjectSchema struct {
	Name       string     `json:"name" yaml:"name"`
	Properties []Property `json:"properties" yaml:"properties"`
}

// PrimaryKey returns the primary key property, if the class declares one.
func (o ObjectSchema) PrimaryKey() (Property, bool) {
	for _, property := range o.Properties {
		if property.PrimaryKey {
			return property, true
		}
	}
	return Property{}, false
}

// Property looks up a property by name.
func (o ObjectSchema) Property(name string) (Property, bool) {
	for _, property := range o.Properties {
		if property.Name == name {
			return property, true
		}
	}
	return Property{}, false
}

// Internal reports whether the class is managed by realmkit itself.
func (o ObjectSchema) Internal() bool {
	return strings.HasPrefix(o.Name, internalPrefix)
}

// MarshalYAML encodes the type by name.
func (t PropertyType) MarshalYAML() (any, error) {
	return t.String(), nil
}
