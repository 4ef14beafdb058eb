package realm

import (
	"errors"
	"fmt"
	"slices"

	"github.com/MarcoPoloResearchLab/realmkit/internal/engine"
	"github.com/MarcoPoloResearchLab/realmkit/internal/query"
	"github.com/MarcoPoloResearchLab/realmkit/internal/schema"
)

// Results is a live, lazily materialized view over a class or a query. Materialized rows
// are reused until the realm version or a local write changes them.
type Results struct {
	realm    *Realm
	meta     *schema.Metadata
	query    query.Query
	compiled *query.Compiled

	cached         bool
	cacheVersion   int64
	cacheMutations uint64
	rows           []engine.Row
	notifier       *collectionNotifier
}

// All returns every object of class.
func (r *Realm) All(class string) (*Results, error) {
	if err := r.check("All"); err != nil {
		return nil, err
	}
	return r.filter("All", query.New(class))
}

// Filter returns the objects matching q.
func (r *Realm) Filter(q query.Query) (*Results, error) {
	if err := r.check("Filter"); err != nil {
		return nil, err
	}
	return r.filter("Filter", q)
}

func (r *Realm) filter(op string, q query.Query) (*Results, error) {
	meta, err := r.metadata(op, q.Class)
	if err != nil {
		return nil, err
	}
	compiled, err := q.Compile(meta)
	if err != nil {
		if errors.Is(err, query.ErrInvalidQuery) {
			return nil, newError(KindSchema, op, err)
		}
		return nil, schemaError(op, err)
	}
	return &Results{realm: r, meta: meta, query: q, compiled: compiled}, nil
}

func (res *Results) check(op string) error {
	return res.realm.check(op)
}

// Realm returns the owning realm.
func (res *Results) Realm() *Realm {
	return res.realm
}

// ClassName returns the class the results range over.
func (res *Results) ClassName() string {
	return res.meta.ClassName()
}

// Query returns the query backing the results.
func (res *Results) Query() query.Query {
	return res.query
}

// IsValid reports whether the owning realm is still open.
func (res *Results) IsValid() bool {
	return res.realm.self.Valid()
}

// Where derives results with an additional predicate.
func (res *Results) Where(property string, op query.Operator, value any) (*Results, error) {
	if err := res.check("Where"); err != nil {
		return nil, err
	}
	return res.realm.filter("Where", res.query.Where(property, op, value))
}

// OrderBy derives results with an additional sort descriptor.
func (res *Results) OrderBy(property string, descending bool) (*Results, error) {
	if err := res.check("OrderBy"); err != nil {
		return nil, err
	}
	return res.realm.filter("OrderBy", res.query.OrderBy(property, descending))
}

// Count returns the number of matching objects.
func (res *Results) Count() (int, error) {
	if err := res.check("Count"); err != nil {
		return 0, err
	}
	rows, err := res.materialize()
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// At returns the object at index i.
func (res *Results) At(i int) (*Object, error) {
	if err := res.check("At"); err != nil {
		return nil, err
	}
	rows, err := res.materialize()
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(rows) {
		return nil, newError(KindArgument, "At", fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(rows)))
	}
	return res.realm.objectFor(res.meta, rows[i].ID), nil
}

// Objects returns every matching object in order.
func (res *Results) Objects() ([]*Object, error) {
	if err := res.check("Objects"); err != nil {
		return nil, err
	}
	rows, err := res.materialize()
	if err != nil {
		return nil, err
	}
	objects := make([]*Object, len(rows))
	for i, row := range rows {
		objects[i] = res.realm.objectFor(res.meta, row.ID)
	}
	return objects, nil
}

// IndexOf returns the position of object, or -1.
func (res *Results) IndexOf(object *Object) (int, error) {
	if err := res.check("IndexOf"); err != nil {
		return -1, err
	}
	if object == nil || object.realm != res.realm {
		return -1, nil
	}
	rows, err := res.materialize()
	if err != nil {
		return -1, err
	}
	return slices.IndexFunc(rows, func(row engine.Row) bool { return row.ID == object.rowID }), nil
}

type materializedRow struct {
	row    engine.Row
	values []any
}

func (res *Results) materialize() ([]engine.Row, error) {
	r := res.realm
	version := r.conn.Version()
	if res.cached && res.cacheVersion == version && res.cacheMutations == r.mutations {
		return res.rows, nil
	}
	scanned, err := r.conn.Scan(res.meta.ClassName())
	if err != nil {
		return nil, engineError("materialize", err)
	}
	matched := make([]materializedRow, 0, len(scanned))
	for _, row := range scanned {
		values, err := r.rowValues(res.meta, row)
		if err != nil {
			return nil, err
		}
		if res.compiled.Match(values) {
			matched = append(matched, materializedRow{row: row, values: values})
		}
	}
	if res.compiled.Sorted() {
		slices.SortStableFunc(matched, func(left, right materializedRow) int {
			return res.compiled.Compare(left.values, right.values)
		})
	}
	rows := make([]engine.Row, len(matched))
	for i, entry := range matched {
		rows[i] = entry.row
	}
	res.rows = rows
	res.cached = true
	res.cacheVersion = version
	res.cacheMutations = r.mutations
	return rows, nil
}
