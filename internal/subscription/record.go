package subscription

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/realmkit/internal/query"
	"github.com/MarcoPoloResearchLab/realmkit/internal/realm"
	"github.com/MarcoPoloResearchLab/realmkit/internal/schema"
)

// Record is a snapshot of one stored subscription row.
type Record struct {
	Name         string
	Class        string
	Query        query.Query
	QueryJSON    string
	State        State
	ErrorMessage string
	TTL          *time.Duration
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    *time.Time
}

// List returns every subscription stored in r ordered by name.
func List(r *realm.Realm) ([]Record, error) {
	results, err := r.Filter(query.New(schema.ResultSetsClassName).OrderBy(schema.ResultSetsName, false))
	if err != nil {
		return nil, err
	}
	objects, err := results.Objects()
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(objects))
	for _, object := range objects {
		record, err := readRecord(object)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func readRecord(object *realm.Object) (Record, error) {
	values, err := object.Values()
	if err != nil {
		return Record{}, err
	}
	record := Record{
		Name:         stringValue(values[schema.ResultSetsName]),
		QueryJSON:    stringValue(values[schema.ResultSetsQuery]),
		ErrorMessage: stringValue(values[schema.ResultSetsErrorMessage]),
	}
	code, _ := values[schema.ResultSetsStatus].(int64)
	record.State, _ = ParseState(code)
	if ttl, ok := values[schema.ResultSetsTimeToLive].(int64); ok {
		duration := time.Duration(ttl) * time.Millisecond
		record.TTL = &duration
	}
	record.CreatedAt, _ = values[schema.ResultSetsCreatedAt].(time.Time)
	record.UpdatedAt, _ = values[schema.ResultSetsUpdatedAt].(time.Time)
	if expires, ok := values[schema.ResultSetsExpiresAt].(time.Time); ok {
		record.ExpiresAt = &expires
	}
	parsed, err := query.Unmarshal([]byte(record.QueryJSON))
	if err != nil {
		return Record{}, fmt.Errorf("subscription %s: %w", record.Name, err)
	}
	record.Query = parsed
	record.Class = parsed.Class
	return record, nil
}

func stringValue(value any) string {
	text, _ := value.(string)
	return text
}

// ApplyServerState records a state reported by the server for the named subscription. It
// opens its own write unless r is already in one. A missing subscription is ignored.
func ApplyServerState(r *realm.Realm, name string, code int64, message string) error {
	return inWrite(r, func() error {
		object, err := r.Find(schema.ResultSetsClassName, name)
		if err != nil || object == nil {
			return err
		}
		if err := object.Set(schema.ResultSetsStatus, code); err != nil {
			return err
		}
		if err := object.Set(schema.ResultSetsErrorMessage, message); err != nil {
			return err
		}
		return object.Set(schema.ResultSetsUpdatedAt, time.Now().UTC())
	})
}

// ApplyRemoval deletes the named subscription after the server dropped it, either on
// request or because its time to live elapsed, together with the objects that only it
// matched.
func ApplyRemoval(r *realm.Realm, name string) error {
	return inWrite(r, func() error {
		object, err := r.Find(schema.ResultSetsClassName, name)
		if err != nil || object == nil {
			return err
		}
		record, err := readRecord(object)
		if err != nil {
			return err
		}
		if err := r.Remove(object); err != nil {
			return err
		}
		return prune(r, record.Query)
	})
}

// Prune deletes the objects matched by removed that no remaining subscription matches. It is
// used when the subscription row was already deleted locally by Unsubscribe.
func Prune(r *realm.Realm, removed query.Query) error {
	return inWrite(r, func() error {
		return prune(r, removed)
	})
}

func prune(r *realm.Realm, removed query.Query) error {
	if _, err := r.Metadata(removed.Class); err != nil {
		if errors.Is(err, realm.ErrClassNotInSchema) {
			return nil
		}
		return err
	}
	candidates, err := matching(r, removed)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}
	remaining, err := List(r)
	if err != nil {
		return err
	}
	kept := make(map[int64]bool)
	for _, record := range remaining {
		if record.Class != removed.Class {
			continue
		}
		objects, err := matching(r, record.Query)
		if err != nil {
			return err
		}
		for _, object := range objects {
			kept[object.RowID()] = true
		}
	}
	pruned := 0
	for _, object := range candidates {
		if kept[object.RowID()] {
			continue
		}
		if err := r.Remove(object); err != nil {
			return err
		}
		pruned++
	}
	if pruned > 0 {
		r.Logger().Debug("pruned unsubscribed objects",
			zap.String("class", removed.Class),
			zap.Int("count", pruned))
	}
	return nil
}

func matching(r *realm.Realm, q query.Query) ([]*realm.Object, error) {
	results, err := r.Filter(q)
	if err != nil {
		return nil, err
	}
	return results.Objects()
}

func inWrite(r *realm.Realm, body func() error) error {
	if r.IsInTransaction() {
		return body()
	}
	return r.Write(body)
}
