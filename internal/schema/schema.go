package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

const internalPrefix = "__"

// Schema is a validated, immutable set of classes.
type Schema struct {
	classes []ObjectSchema
	byName  map[string]int
}

// New validates the classes and returns a Schema.
func New(classes ...ObjectSchema) (*Schema, error) {
	s := &Schema{
		classes: make([]ObjectSchema, 0, len(classes)),
		byName:  make(map[string]int, len(classes)),
	}
	for _, class := range classes {
		if err := validateClass(class); err != nil {
			return nil, err
		}
		if _, exists := s.byName[class.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate class %q", ErrInvalidSchema, class.Name)
		}
		copied := ObjectSchema{Name: class.Name, Properties: append([]Property(nil), class.Properties...)}
		s.byName[class.Name] = len(s.classes)
		s.classes = append(s.classes, copied)
	}
	return s, nil
}

// With returns a new schema containing the receiver's classes plus extra. Classes that
// already exist with the same name are left untouched.
func (s *Schema) With(extra ...ObjectSchema) (*Schema, error) {
	classes := s.Classes()
	for _, class := range extra {
		if _, exists := s.byName[class.Name]; exists {
			continue
		}
		classes = append(classes, class)
	}
	return New(classes...)
}

// Class returns the class definition for name.
func (s *Schema) Class(name string) (ObjectSchema, error) {
	if s == nil {
		return ObjectSchema{}, fmt.Errorf("%w: %s", ErrUnknownClass, name)
	}
	index, ok := s.byName[name]
	if !ok {
		return ObjectSchema{}, fmt.Errorf("%w: %s", ErrUnknownClass, name)
	}
	return s.classes[index], nil
}

// Classes returns a copy of every class in declaration order.
func (s *Schema) Classes() []ObjectSchema {
	if s == nil {
		return nil
	}
	out := make([]ObjectSchema, 0, len(s.classes))
	for _, class := range s.classes {
		out = append(out, ObjectSchema{Name: class.Name, Properties: append([]Property(nil), class.Properties...)})
	}
	return out
}

// MarshalJSON encodes the schema as a list of classes.
func (s *Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Classes())
}

// UnmarshalJSON decodes and validates a list of classes.
func (s *Schema) UnmarshalJSON(data []byte) error {
	var classes []ObjectSchema
	if err := json.Unmarshal(data, &classes); err != nil {
		return err
	}
	parsed, err := New(classes...)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}

func validateClass(class ObjectSchema) error {
	name := strings.TrimSpace(class.Name)
	if name == "" {
		return fmt.Errorf("%w: empty class name", ErrInvalidSchema)
	}
	if name != class.Name {
		return fmt.Errorf("%w: class name %q has surrounding whitespace", ErrInvalidSchema, class.Name)
	}
	if class.Internal() && class.Name != ResultSetsClassName {
		return fmt.Errorf("%w: class name %q uses the reserved %q prefix", ErrInvalidSchema, class.Name, internalPrefix)
	}
	if len(class.Properties) == 0 {
		return fmt.Errorf("%w: class %q has no properties", ErrInvalidSchema, class.Name)
	}
	seen := make(map[string]struct{}, len(class.Properties))
	primaryKeys := 0
	for _, property := range class.Properties {
		if strings.TrimSpace(property.Name) == "" {
			return fmt.Errorf("%w: class %q has an unnamed property", ErrInvalidSchema, class.Name)
		}
		if _, dup := seen[property.Name]; dup {
			return fmt.Errorf("%w: class %q declares %q twice", ErrInvalidSchema, class.Name, property.Name)
		}
		seen[property.Name] = struct{}{}
		if _, known := propertyTypeNames[property.Type]; !known {
			return fmt.Errorf("%w: %s.%s has unknown type %d", ErrInvalidSchema, class.Name, property.Name, int(property.Type))
		}
		if property.PrimaryKey {
			primaryKeys++
			if property.Type != TypeInt && property.Type != TypeString {
				return fmt.Errorf("%w: primary key %s.%s must be int or string", ErrInvalidSchema, class.Name, property.Name)
			}
			if property.Nullable {
				return fmt.Errorf("%w: primary key %s.%s cannot be nullable", ErrInvalidSchema, class.Name, property.Name)
			}
		}
		if property.Indexed {
			switch property.Type {
			case TypeInt, TypeBool, TypeString, TypeDate:
			default:
				return fmt.Errorf("%w: %s.%s of type %s cannot be indexed", ErrInvalidSchema, class.Name, property.Name, property.Type)
			}
		}
	}
	if primaryKeys > 1 {
		return fmt.Errorf("%w: class %q declares %d primary keys", ErrInvalidSchema, class.Name, primaryKeys)
	}
	return nil
}
