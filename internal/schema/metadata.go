package schema

import (
	"fmt"
	"reflect"
)

// Metadata is the per-class record shared by every object of that class within one
// realm instance. The column map and accessor are fixed at construction.
type Metadata struct {
	class      ObjectSchema
	columns    map[string]int
	accessor   Accessor
	primaryKey int
}

// NewMetadata builds metadata for class. A nil goType selects the dynamic accessor.
func NewMetadata(class ObjectSchema, goType reflect.Type) (*Metadata, error) {
	meta := &Metadata{
		class:      class,
		columns:    make(map[string]int, len(class.Properties)),
		primaryKey: -1,
	}
	for column, property := range class.Properties {
		meta.columns[property.Name] = column
		if property.PrimaryKey {
			meta.primaryKey = column
		}
	}
	if goType == nil {
		meta.accessor = NewDynamicAccessor(class)
		return meta, nil
	}
	compiled, err := NewCompiledAccessor(class, goType)
	if err != nil {
		return nil, err
	}
	meta.accessor = compiled
	return meta, nil
}

// Class returns the class definition.
func (m *Metadata) Class() ObjectSchema {
	return m.class
}

// ClassName returns the class name.
func (m *Metadata) ClassName() string {
	return m.class.Name
}

// Column resolves a property name to its column index.
func (m *Metadata) Column(name string) (int, error) {
	column, ok := m.columns[name]
	if !ok {
		return -1, fmt.Errorf("%w: %s.%s", ErrUnknownProperty, m.class.Name, name)
	}
	return column, nil
}

// Property returns the property stored at column.
func (m *Metadata) Property(column int) Property {
	return m.class.Properties[column]
}

// PrimaryKeyColumn returns the primary key column, if any.
func (m *Metadata) PrimaryKeyColumn() (int, bool) {
	return m.primaryKey, m.primaryKey >= 0
}

// Accessor returns the helper strategy selected for this class.
func (m *Metadata) Accessor() Accessor {
	return m.accessor
}

// Registry holds the metadata for every class of one realm instance. It is read-only
// after construction.
type Registry struct {
	byName map[string]*Metadata
	byType map[reflect.Type]*Metadata
}

// BuildRegistry creates metadata for every class in s, binding the provided Go types to
// the classes they map to.
func BuildRegistry(s *Schema, goTypes []reflect.Type) (*Registry, error) {
	typeByClass := make(map[string]reflect.Type, len(goTypes))
	for _, goType := range goTypes {
		base := goType
		for base.Kind() == reflect.Pointer {
			base = base.Elem()
		}
		typeByClass[ClassNameOfType(base)] = base
	}
	registry := &Registry{
		byName: make(map[string]*Metadata),
		byType: make(map[reflect.Type]*Metadata),
	}
	for _, class := range s.Classes() {
		goType := typeByClass[class.Name]
		meta, err := NewMetadata(class, goType)
		if err != nil {
			return nil, err
		}
		registry.byName[class.Name] = meta
		if goType != nil {
			registry.byType[goType] = meta
		}
	}
	for className := range typeByClass {
		if _, ok := registry.byName[className]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownClass, className)
		}
	}
	return registry, nil
}

// Lookup returns the metadata for a class name.
func (r *Registry) Lookup(className string) (*Metadata, error) {
	meta, ok := r.byName[className]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, className)
	}
	return meta, nil
}

// LookupType returns the metadata bound to a Go struct type.
func (r *Registry) LookupType(goType reflect.Type) (*Metadata, error) {
	for goType != nil && goType.Kind() == reflect.Pointer {
		goType = goType.Elem()
	}
	meta, ok := r.byType[goType]
	if !ok {
		return nil, fmt.Errorf("%w: no class bound to %v", ErrUnknownClass, goType)
	}
	return meta, nil
}
