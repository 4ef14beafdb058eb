package realm

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/MarcoPoloResearchLab/realmkit/internal/schema"
)

// CreateObject inserts an object of class from values keyed by property name. Absent
// properties take their defaults.
func (r *Realm) CreateObject(class string, values map[string]any) (*Object, error) {
	if err := r.requireWrite("CreateObject"); err != nil {
		return nil, err
	}
	meta, err := r.metadata("CreateObject", class)
	if err != nil {
		return nil, err
	}
	row, err := schema.NewDynamicAccessor(meta.Class()).ToRow(values)
	if err != nil {
		return nil, schemaError("CreateObject", err)
	}
	return r.insertRow("CreateObject", meta, row, false)
}

// Add stores value, which is either a struct (or pointer) bound to a class through
// Config.Types or an unmanaged *Object. With update set, an existing object with the same
// primary key is overwritten instead of failing.
func (r *Realm) Add(value any, update bool) (*Object, error) {
	if err := r.requireWrite("Add"); err != nil {
		return nil, err
	}
	if object, ok := value.(*Object); ok {
		return r.addObject(object, update)
	}
	meta, err := r.registry.LookupType(reflect.TypeOf(value))
	if err != nil {
		return nil, schemaError("Add", err)
	}
	row, err := meta.Accessor().ToRow(value)
	if err != nil {
		return nil, schemaError("Add", err)
	}
	return r.insertRow("Add", meta, row, update)
}

func (r *Realm) addObject(object *Object, update bool) (*Object, error) {
	if object == nil {
		return nil, newError(KindArgument, "Add", fmt.Errorf("%w: nil object", ErrTypeMismatch))
	}
	if object.realm != nil {
		if object.realm != r {
			return nil, newError(KindResource, "Add", ErrObjectFromOtherRealm)
		}
		return object, nil
	}
	meta, err := r.metadata("Add", object.className)
	if err != nil {
		return nil, err
	}
	row, err := schema.NewDynamicAccessor(meta.Class()).ToRow(object.staged)
	if err != nil {
		return nil, schemaError("Add", err)
	}
	managed, err := r.insertRow("Add", meta, row, update)
	if err != nil {
		return nil, err
	}
	*object = *managed
	return object, nil
}

func (r *Realm) insertRow(op string, meta *schema.Metadata, values []any, update bool) (*Object, error) {
	payload, err := schema.EncodeRow(meta.Class(), values)
	if err != nil {
		return nil, schemaError(op, err)
	}
	var key *string
	if column, ok := meta.PrimaryKeyColumn(); ok {
		canonical := canonicalKey(values[column])
		key = &canonical
		existing, found, err := r.conn.FindByPrimaryKey(meta.ClassName(), canonical)
		if err != nil {
			return nil, engineError(op, err)
		}
		if found {
			if !update {
				return nil, newError(KindSchema, op, fmt.Errorf("%w: %s %s", ErrDuplicatePrimaryKey, meta.ClassName(), canonical))
			}
			if err := r.updateRow(op, meta, existing.ID, values); err != nil {
				return nil, err
			}
			return r.objectFor(meta, existing.ID), nil
		}
	}
	row, err := r.conn.Insert(meta.ClassName(), key, payload)
	if err != nil {
		return nil, engineError(op, err)
	}
	r.noteMutation(row.ID, row.Version, values)
	return r.objectFor(meta, row.ID), nil
}

func canonicalKey(value any) string {
	switch typed := value.(type) {
	case int64:
		return strconv.FormatInt(typed, 10)
	case string:
		return typed
	default:
		return fmt.Sprint(typed)
	}
}

// Find looks an object up by primary key. It returns nil without error when absent.
func (r *Realm) Find(class string, key any) (*Object, error) {
	if err := r.check("Find"); err != nil {
		return nil, err
	}
	meta, err := r.metadata("Find", class)
	if err != nil {
		return nil, err
	}
	column, ok := meta.PrimaryKeyColumn()
	if !ok {
		return nil, newError(KindSchema, "Find", fmt.Errorf("%w: %s", ErrNoPrimaryKey, class))
	}
	normalized, err := schema.Normalize(meta.Property(column), key)
	if err != nil {
		return nil, schemaError("Find", err)
	}
	row, found, err := r.conn.FindByPrimaryKey(class, canonicalKey(normalized))
	if err != nil {
		return nil, engineError("Find", err)
	}
	if !found {
		return nil, nil
	}
	return r.objectFor(meta, row.ID), nil
}

// Remove deletes a managed object. The object and every other view of the same row become
// invalid.
func (r *Realm) Remove(object *Object) error {
	if err := r.requireWrite("Remove"); err != nil {
		return err
	}
	if object == nil || object.realm == nil {
		return newError(KindResource, "Remove", ErrUnmanagedObject)
	}
	if object.realm != r {
		return newError(KindResource, "Remove", ErrObjectFromOtherRealm)
	}
	if _, _, err := r.loadRow("Remove", object.meta, object.rowID); err != nil {
		return err
	}
	if err := r.conn.Delete(object.rowID); err != nil {
		return engineError("Remove", err)
	}
	r.noteMutation(object.rowID, 0, nil)
	return nil
}

// RemoveAll deletes every object of class.
func (r *Realm) RemoveAll(class string) error {
	if err := r.requireWrite("RemoveAll"); err != nil {
		return err
	}
	if _, err := r.metadata("RemoveAll", class); err != nil {
		return err
	}
	if _, err := r.conn.DeleteClass(class); err != nil {
		return engineError("RemoveAll", err)
	}
	r.resetCaches()
	return nil
}

// FindTyped looks an object up by primary key and decodes it into a new T.
func FindTyped[T any](r *Realm, key any) (*T, error) {
	if err := r.check("FindTyped"); err != nil {
		return nil, err
	}
	meta, err := r.registry.LookupType(reflect.TypeFor[T]())
	if err != nil {
		return nil, schemaError("FindTyped", err)
	}
	object, err := r.Find(meta.ClassName(), key)
	if err != nil || object == nil {
		return nil, err
	}
	out := new(T)
	if err := object.Decode(out); err != nil {
		return nil, err
	}
	return out, nil
}

// AllTyped returns every object of the class bound to T.
func AllTyped[T any](r *Realm) (*Results, error) {
	if err := r.check("AllTyped"); err != nil {
		return nil, err
	}
	meta, err := r.registry.LookupType(reflect.TypeFor[T]())
	if err != nil {
		return nil, schemaError("AllTyped", err)
	}
	return r.All(meta.ClassName())
}
