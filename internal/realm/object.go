package realm

import (
	"encoding/binary"
	"fmt"
	"maps"
	"math/big"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/MarcoPoloResearchLab/realmkit/internal/schema"
)

// Object is a view over one row. Two objects resolved from the same row of the same realm
// instance are Equal and share a Hash even when they are distinct values.
type Object struct {
	realm *Realm
	meta  *schema.Metadata
	rowID int64

	// unmanaged state, used until the object is added to a realm
	className string
	staged    map[string]any
}

// NewObject creates an unmanaged object holding staged values for Add.
func NewObject(className string, values map[string]any) *Object {
	staged := maps.Clone(values)
	if staged == nil {
		staged = map[string]any{}
	}
	return &Object{className: className, staged: staged}
}

// Resolve returns the object stored at rowID.
func (r *Realm) Resolve(class string, rowID int64) (*Object, error) {
	if err := r.check("Resolve"); err != nil {
		return nil, err
	}
	meta, err := r.metadata("Resolve", class)
	if err != nil {
		return nil, err
	}
	if _, _, err := r.loadRow("Resolve", meta, rowID); err != nil {
		return nil, err
	}
	return r.objectFor(meta, rowID), nil
}

func (r *Realm) objectFor(meta *schema.Metadata, rowID int64) *Object {
	return &Object{realm: r, meta: meta, rowID: rowID, className: meta.ClassName()}
}

// IsManaged reports whether the object is bound to a realm.
func (o *Object) IsManaged() bool {
	return o.realm != nil
}

// IsValid reports whether the object can still be read: managed, realm open and row present.
// It is false on goroutines other than the realm's.
func (o *Object) IsValid() bool {
	if o.realm == nil || goroutineID() != o.realm.owner || !o.realm.self.Valid() {
		return false
	}
	_, err := o.realm.conn.Get(o.rowID)
	return err == nil
}

// ClassName returns the class of the object.
func (o *Object) ClassName() string {
	return o.className
}

// RowID returns the row identity, or 0 for unmanaged objects.
func (o *Object) RowID() int64 {
	return o.rowID
}

// Realm returns the owning realm, or nil for unmanaged objects.
func (o *Object) Realm() *Realm {
	return o.realm
}

// Equal compares identities: same realm instance and same row.
func (o *Object) Equal(other *Object) bool {
	if o == nil || other == nil {
		return o == other
	}
	if o.realm == nil || other.realm == nil {
		return o == other
	}
	return o.realm == other.realm && o.rowID == other.rowID
}

// Hash is consistent with Equal for managed objects.
func (o *Object) Hash() uint64 {
	if o.realm == nil {
		return xxhash.Sum64String(fmt.Sprintf("unmanaged:%p", o))
	}
	digest := xxhash.New()
	_, _ = digest.WriteString(o.realm.id)
	var row [8]byte
	binary.BigEndian.PutUint64(row[:], uint64(o.rowID))
	_, _ = digest.Write(row[:])
	return digest.Sum64()
}

func (o *Object) load(op string) ([]any, error) {
	if o.realm == nil {
		return nil, newError(KindResource, op, ErrUnmanagedObject)
	}
	if err := o.realm.check(op); err != nil {
		return nil, err
	}
	_, values, err := o.realm.loadRow(op, o.meta, o.rowID)
	return values, err
}

func (o *Object) property(op, name string) (schema.Property, any, error) {
	values, err := o.load(op)
	if err != nil {
		return schema.Property{}, nil, err
	}
	column, err := o.meta.Column(name)
	if err != nil {
		return schema.Property{}, nil, schemaError(op, err)
	}
	return o.meta.Property(column), values[column], nil
}

// Get returns the canonical value of a property.
func (o *Object) Get(name string) (any, error) {
	_, value, err := o.property("Get", name)
	return value, err
}

// Values returns every property keyed by name.
func (o *Object) Values() (map[string]any, error) {
	values, err := o.load("Values")
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(values))
	if err := schema.NewDynamicAccessor(o.meta.Class()).FromRow(values, out); err != nil {
		return nil, schemaError("Values", err)
	}
	return out, nil
}

// Decode copies the object into a struct pointer bound to its class, or into a map.
func (o *Object) Decode(dst any) error {
	values, err := o.load("Decode")
	if err != nil {
		return err
	}
	accessor := o.meta.Accessor()
	switch dst.(type) {
	case map[string]any, *map[string]any:
		accessor = schema.NewDynamicAccessor(o.meta.Class())
	}
	if err := accessor.FromRow(values, dst); err != nil {
		return schemaError("Decode", err)
	}
	return nil
}

// Set updates one property. It requires an open write.
func (o *Object) Set(name string, value any) error {
	if o.realm == nil {
		return newError(KindResource, "Set", ErrUnmanagedObject)
	}
	r := o.realm
	if err := r.requireWrite("Set"); err != nil {
		return err
	}
	_, current, err := r.loadRow("Set", o.meta, o.rowID)
	if err != nil {
		return err
	}
	column, err := o.meta.Column(name)
	if err != nil {
		return schemaError("Set", err)
	}
	property := o.meta.Property(column)
	normalized, err := schema.Normalize(property, value)
	if err != nil {
		return schemaError("Set", err)
	}
	if property.PrimaryKey {
		if !schema.Equal(property, current[column], normalized) {
			return newError(KindSchema, "Set", ErrPrimaryKeyImmutable)
		}
		return nil
	}
	updated := append([]any(nil), current...)
	updated[column] = normalized
	return r.updateRow("Set", o.meta, o.rowID, updated)
}

func (r *Realm) updateRow(op string, meta *schema.Metadata, rowID int64, values []any) error {
	payload, err := schema.EncodeRow(meta.Class(), values)
	if err != nil {
		return schemaError(op, err)
	}
	row, err := r.conn.Update(rowID, payload)
	if err != nil {
		return engineError(op, err)
	}
	r.noteMutation(rowID, row.Version, values)
	return nil
}

func (o *Object) typed(op, name string, want schema.PropertyType, nullable bool) (any, error) {
	property, value, err := o.property(op, name)
	if err != nil {
		return nil, err
	}
	if property.Type != want || property.Nullable != nullable {
		return nil, newError(KindSchema, op, fmt.Errorf("%w: %s.%s is %s (nullable=%t)",
			ErrTypeMismatch, o.className, name, property.Type, property.Nullable))
	}
	return value, nil
}

func scalar[T any](o *Object, op, name string, want schema.PropertyType) (T, error) {
	var zero T
	value, err := o.typed(op, name, want, false)
	if err != nil {
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		return zero, newError(KindSchema, op, fmt.Errorf("%w: stored %T", ErrTypeMismatch, value))
	}
	return typed, nil
}

func optional[T any](o *Object, op, name string, want schema.PropertyType) (*T, error) {
	value, err := o.typed(op, name, want, true)
	if err != nil || value == nil {
		return nil, err
	}
	typed, ok := value.(T)
	if !ok {
		return nil, newError(KindSchema, op, fmt.Errorf("%w: stored %T", ErrTypeMismatch, value))
	}
	return &typed, nil
}

// Int reads a non-nullable int property.
func (o *Object) Int(name string) (int64, error) {
	return scalar[int64](o, "Int", name, schema.TypeInt)
}

// NullableInt reads a nullable int property; nil means null.
func (o *Object) NullableInt(name string) (*int64, error) {
	return optional[int64](o, "NullableInt", name, schema.TypeInt)
}

func (o *Object) Bool(name string) (bool, error) {
	return scalar[bool](o, "Bool", name, schema.TypeBool)
}

func (o *Object) NullableBool(name string) (*bool, error) {
	return optional[bool](o, "NullableBool", name, schema.TypeBool)
}

func (o *Object) String(name string) (string, error) {
	return scalar[string](o, "String", name, schema.TypeString)
}

func (o *Object) NullableString(name string) (*string, error) {
	return optional[string](o, "NullableString", name, schema.TypeString)
}

// Float reads a 32-bit float property.
func (o *Object) Float(name string) (float32, error) {
	return scalar[float32](o, "Float", name, schema.TypeFloat)
}

func (o *Object) NullableFloat(name string) (*float32, error) {
	return optional[float32](o, "NullableFloat", name, schema.TypeFloat)
}

// Double reads a 64-bit float property.
func (o *Object) Double(name string) (float64, error) {
	return scalar[float64](o, "Double", name, schema.TypeDouble)
}

func (o *Object) NullableDouble(name string) (*float64, error) {
	return optional[float64](o, "NullableDouble", name, schema.TypeDouble)
}

// Decimal reads a decimal property. The returned value is a copy.
func (o *Object) Decimal(name string) (*big.Rat, error) {
	value, err := scalar[*big.Rat](o, "Decimal", name, schema.TypeDecimal)
	if err != nil {
		return nil, err
	}
	return new(big.Rat).Set(value), nil
}

// NullableDecimal reads a nullable decimal property; nil means null.
func (o *Object) NullableDecimal(name string) (*big.Rat, error) {
	value, err := optional[*big.Rat](o, "NullableDecimal", name, schema.TypeDecimal)
	if err != nil || value == nil {
		return nil, err
	}
	return new(big.Rat).Set(*value), nil
}

func (o *Object) Date(name string) (time.Time, error) {
	return scalar[time.Time](o, "Date", name, schema.TypeDate)
}

func (o *Object) NullableDate(name string) (*time.Time, error) {
	return optional[time.Time](o, "NullableDate", name, schema.TypeDate)
}

// Data reads a binary property. Null data reads as nil.
func (o *Object) Data(name string) ([]byte, error) {
	property, value, err := o.property("Data", name)
	if err != nil {
		return nil, err
	}
	if property.Type != schema.TypeData {
		return nil, newError(KindSchema, "Data", fmt.Errorf("%w: %s.%s is %s", ErrTypeMismatch, o.className, name, property.Type))
	}
	if value == nil {
		return nil, nil
	}
	return append([]byte(nil), value.([]byte)...), nil
}
