package schema

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"
)

const structTag = "realm"

// ClassNamer lets a Go type choose its persisted class name.
type ClassNamer interface {
	RealmClassName() string
}

var classNamerType = reflect.TypeOf((*ClassNamer)(nil)).Elem()

// ClassNameOf returns the class name a Go value maps to.
func ClassNameOf(value any) string {
	if namer, ok := value.(ClassNamer); ok {
		return namer.RealmClassName()
	}
	return ClassNameOfType(reflect.TypeOf(value))
}

// ClassNameOfType returns the class name a Go type maps to.
func ClassNameOfType(goType reflect.Type) string {
	if goType == nil {
		return ""
	}
	base := goType
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	for _, candidate := range []reflect.Type{base, reflect.PointerTo(base)} {
		if candidate.Implements(classNamerType) {
			return reflect.Zero(candidate).Interface().(ClassNamer).RealmClassName()
		}
	}
	return base.Name()
}

// FromStruct derives a class definition from a struct value or pointer.
func FromStruct(value any) (ObjectSchema, error) {
	return FromType(reflect.TypeOf(value))
}

// FromType derives a class definition from a struct type using `realm` tags:
// `realm:"name,pk,indexed,nullable"`, or `realm:"-"` to skip a field.
func FromType(goType reflect.Type) (ObjectSchema, error) {
	if goType == nil {
		return ObjectSchema{}, fmt.Errorf("%w: nil type", ErrInvalidSchema)
	}
	base := goType
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	if base.Kind() != reflect.Struct {
		return ObjectSchema{}, fmt.Errorf("%w: %s is not a struct", ErrInvalidSchema, base)
	}
	class := ObjectSchema{Name: ClassNameOfType(base)}
	for _, field := range reflect.VisibleFields(base) {
		if !field.IsExported() || field.Anonymous {
			continue
		}
		binding, skip, err := parseField(field)
		if err != nil {
			return ObjectSchema{}, fmt.Errorf("%s.%s: %w", class.Name, field.Name, err)
		}
		if skip {
			continue
		}
		class.Properties = append(class.Properties, binding)
	}
	return class, nil
}

func parseField(field reflect.StructField) (Property, bool, error) {
	tag := field.Tag.Get(structTag)
	if tag == "-" {
		return Property{}, true, nil
	}
	parts := strings.Split(tag, ",")
	property := Property{Name: field.Name}
	if name := strings.TrimSpace(parts[0]); name != "" {
		property.Name = name
	}
	propertyType, nullable, err := goTypeToProperty(field.Type)
	if err != nil {
		return Property{}, false, err
	}
	property.Type = propertyType
	property.Nullable = nullable
	for _, option := range parts[1:] {
		switch strings.ToLower(strings.TrimSpace(option)) {
		case "pk", "primarykey", "primary_key":
			property.PrimaryKey = true
		case "indexed":
			property.Indexed = true
		case "nullable":
			property.Nullable = true
		case "":
		default:
			return Property{}, false, fmt.Errorf("%w: unknown tag option %q", ErrInvalidSchema, option)
		}
	}
	return property, false, nil
}

func goTypeToProperty(goType reflect.Type) (PropertyType, bool, error) {
	nullable := false
	if goType.Kind() == reflect.Pointer {
		nullable = true
		goType = goType.Elem()
	}
	switch goType {
	case timeType:
		return TypeDate, nullable, nil
	case ratType:
		return TypeDecimal, nullable, nil
	}
	switch goType.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return TypeInt, nullable, nil
	case reflect.Bool:
		return TypeBool, nullable, nil
	case reflect.String:
		return TypeString, nullable, nil
	case reflect.Float32:
		return TypeFloat, nullable, nil
	case reflect.Float64:
		return TypeDouble, nullable, nil
	case reflect.Slice:
		if goType.Elem().Kind() == reflect.Uint8 {
			return TypeData, nullable, nil
		}
	}
	return 0, false, fmt.Errorf("%w: unsupported field type %s", ErrInvalidSchema, goType)
}

var ratPointerType = reflect.TypeOf(&big.Rat{})
