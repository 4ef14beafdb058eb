package schema

import (
	"fmt"
	"math/big"
	"reflect"
	"time"
)

// AccessorKind identifies the helper strategy chosen for a class.
type AccessorKind int

const (
	// AccessorCompiled maps rows onto a registered Go struct type.
	AccessorCompiled AccessorKind = iota
	// AccessorDynamic maps rows onto map[string]any values.
	AccessorDynamic
)

func (k AccessorKind) String() string {
	if k == AccessorCompiled {
		return "compiled"
	}
	return "dynamic"
}

// Accessor converts between application values and canonical rows.
type Accessor interface {
	Kind() AccessorKind
	ToRow(value any) ([]any, error)
	FromRow(row []any, dst any) error
}

type fieldBinding struct {
	index  []int
	column int
}

// CompiledAccessor binds class columns to struct fields resolved once at construction.
type CompiledAccessor struct {
	class    ObjectSchema
	goType   reflect.Type
	bindings []fieldBinding
}

// NewCompiledAccessor resolves the struct field for every property of class.
func NewCompiledAccessor(class ObjectSchema, goType reflect.Type) (*CompiledAccessor, error) {
	for goType.Kind() == reflect.Pointer {
		goType = goType.Elem()
	}
	if _, err := FromType(goType); err != nil {
		return nil, err
	}
	fieldsByProperty := make(map[string][]int)
	for _, field := range reflect.VisibleFields(goType) {
		if !field.IsExported() || field.Anonymous {
			continue
		}
		property, skip, err := parseField(field)
		if err != nil || skip {
			continue
		}
		fieldsByProperty[property.Name] = field.Index
	}
	accessor := &CompiledAccessor{class: class, goType: goType}
	for column, property := range class.Properties {
		index, ok := fieldsByProperty[property.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s has no field for property %q", ErrInvalidSchema, goType, property.Name)
		}
		accessor.bindings = append(accessor.bindings, fieldBinding{index: index, column: column})
	}
	return accessor, nil
}

// Kind reports AccessorCompiled.
func (a *CompiledAccessor) Kind() AccessorKind {
	return AccessorCompiled
}

// GoType returns the bound struct type.
func (a *CompiledAccessor) GoType() reflect.Type {
	return a.goType
}

// ToRow reads every bound field of a struct value or pointer.
func (a *CompiledAccessor) ToRow(value any) ([]any, error) {
	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, fmt.Errorf("%w: nil %s", ErrTypeMismatch, a.goType)
		}
		rv = rv.Elem()
	}
	if rv.Type() != a.goType {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrTypeMismatch, a.goType, rv.Type())
	}
	row := make([]any, len(a.class.Properties))
	for _, binding := range a.bindings {
		normalized, err := Normalize(a.class.Properties[binding.column], rv.FieldByIndex(binding.index).Interface())
		if err != nil {
			return nil, err
		}
		row[binding.column] = normalized
	}
	return row, nil
}

// FromRow writes row values into the struct pointed to by dst.
func (a *CompiledAccessor) FromRow(row []any, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Type() != a.goType {
		return fmt.Errorf("%w: expected *%s, got %T", ErrTypeMismatch, a.goType, dst)
	}
	target := rv.Elem()
	for _, binding := range a.bindings {
		property := a.class.Properties[binding.column]
		if err := assign(target.FieldByIndex(binding.index), row[binding.column]); err != nil {
			return fmt.Errorf("%s.%s: %w", a.class.Name, property.Name, err)
		}
	}
	return nil
}

// DynamicAccessor maps rows to and from map[string]any.
type DynamicAccessor struct {
	class ObjectSchema
}

// NewDynamicAccessor returns a map-based accessor for class.
func NewDynamicAccessor(class ObjectSchema) *DynamicAccessor {
	return &DynamicAccessor{class: class}
}

// Kind reports AccessorDynamic.
func (a *DynamicAccessor) Kind() AccessorKind {
	return AccessorDynamic
}

// ToRow converts a map keyed by property name; absent properties take defaults.
func (a *DynamicAccessor) ToRow(value any) ([]any, error) {
	values, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected map[string]any, got %T", ErrTypeMismatch, value)
	}
	for name := range values {
		if _, known := a.class.Property(name); !known {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownProperty, a.class.Name, name)
		}
	}
	row := make([]any, len(a.class.Properties))
	for column, property := range a.class.Properties {
		raw, present := values[property.Name]
		if !present {
			row[column] = DefaultValue(property)
			continue
		}
		normalized, err := Normalize(property, raw)
		if err != nil {
			return nil, err
		}
		row[column] = normalized
	}
	return row, nil
}

// FromRow fills a map (or pointer to map) keyed by property name.
func (a *DynamicAccessor) FromRow(row []any, dst any) error {
	var target map[string]any
	switch typed := dst.(type) {
	case map[string]any:
		target = typed
	case *map[string]any:
		if typed == nil {
			return fmt.Errorf("%w: nil map pointer", ErrTypeMismatch)
		}
		if *typed == nil {
			*typed = make(map[string]any, len(row))
		}
		target = *typed
	default:
		return fmt.Errorf("%w: expected map[string]any, got %T", ErrTypeMismatch, dst)
	}
	for column, property := range a.class.Properties {
		target[property.Name] = row[column]
	}
	return nil
}

func assign(field reflect.Value, value any) error {
	if value == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}
	if field.Type() == ratPointerType {
		rat, ok := value.(*big.Rat)
		if !ok {
			return fmt.Errorf("%w: cannot assign %T to %s", ErrTypeMismatch, value, field.Type())
		}
		field.Set(reflect.ValueOf(new(big.Rat).Set(rat)))
		return nil
	}
	if field.Kind() == reflect.Pointer {
		holder := reflect.New(field.Type().Elem())
		if err := assign(holder.Elem(), value); err != nil {
			return err
		}
		field.Set(holder)
		return nil
	}
	switch typed := value.(type) {
	case int64:
		switch field.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if field.OverflowInt(typed) {
				return fmt.Errorf("%w: %d overflows %s", ErrTypeMismatch, typed, field.Type())
			}
			field.SetInt(typed)
			return nil
		case reflect.Uint8, reflect.Uint16, reflect.Uint32:
			if typed < 0 || field.OverflowUint(uint64(typed)) {
				return fmt.Errorf("%w: %d overflows %s", ErrTypeMismatch, typed, field.Type())
			}
			field.SetUint(uint64(typed))
			return nil
		}
	case bool:
		if field.Kind() == reflect.Bool {
			field.SetBool(typed)
			return nil
		}
	case string:
		if field.Kind() == reflect.String {
			field.SetString(typed)
			return nil
		}
	case float32:
		if field.Kind() == reflect.Float32 || field.Kind() == reflect.Float64 {
			field.SetFloat(float64(typed))
			return nil
		}
	case float64:
		if field.Kind() == reflect.Float32 || field.Kind() == reflect.Float64 {
			field.SetFloat(typed)
			return nil
		}
	case *big.Rat:
		if field.Type() == ratType {
			field.Set(reflect.ValueOf(*new(big.Rat).Set(typed)))
			return nil
		}
	case time.Time:
		if field.Type() == timeType {
			field.Set(reflect.ValueOf(typed))
			return nil
		}
	case []byte:
		if field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.Uint8 {
			field.SetBytes(append([]byte(nil), typed...))
			return nil
		}
	}
	return fmt.Errorf("%w: cannot assign %T to %s", ErrTypeMismatch, value, field.Type())
}
