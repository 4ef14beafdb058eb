package realm

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/realmkit/internal/changeset"
	"github.com/MarcoPoloResearchLab/realmkit/internal/schema"
)

type Person struct {
	ID     int64   `realm:"id,pk"`
	Name   string  `realm:"name,indexed"`
	Age    *int64  `realm:"age"`
	Rating float32 `realm:"rating"`
	Score  float64 `realm:"score"`
}

type note struct {
	Title string `realm:"title"`
	Rank  int64  `realm:"rank"`
}

func (note) RealmClassName() string { return "Note" }

func testConfig(testContext *testing.T) Config {
	testContext.Helper()
	return Config{
		Path:  filepath.Join(testContext.TempDir(), "default.realm"),
		Types: []any{Person{}, note{}},
	}
}

func mustOpen(testContext *testing.T, cfg Config) *Realm {
	testContext.Helper()
	r, err := Open(cfg)
	if err != nil {
		testContext.Fatalf("failed to open realm: %v", err)
	}
	testContext.Cleanup(func() { _ = r.Close() })
	return r
}

func mustWrite(testContext *testing.T, r *Realm, body func() error) {
	testContext.Helper()
	if err := r.Write(body); err != nil {
		testContext.Fatalf("write failed: %v", err)
	}
}

func mustAdd(testContext *testing.T, r *Realm, value any) *Object {
	testContext.Helper()
	object, err := r.Add(value, false)
	if err != nil {
		testContext.Fatalf("add failed: %v", err)
	}
	return object
}

func mustAll(testContext *testing.T, r *Realm, class string) *Results {
	testContext.Helper()
	results, err := r.All(class)
	if err != nil {
		testContext.Fatalf("all failed: %v", err)
	}
	return results
}

func mustCount(testContext *testing.T, results *Results) int {
	testContext.Helper()
	count, err := results.Count()
	if err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	return count
}

func mustRefresh(testContext *testing.T, r *Realm) {
	testContext.Helper()
	if _, err := r.Refresh(); err != nil {
		testContext.Fatalf("refresh failed: %v", err)
	}
}

func int64Pointer(value int64) *int64 {
	return &value
}

func expectKind(testContext *testing.T, err error, kind Kind) {
	testContext.Helper()
	if err == nil {
		testContext.Fatalf("expected %s error, got nil", kind)
	}
	if got := KindOf(err); got != kind {
		testContext.Fatalf("expected %s error, got %s (%v)", kind, got, err)
	}
}

func expectIndices(testContext *testing.T, label string, got, want []int) {
	testContext.Helper()
	if len(got) != len(want) {
		testContext.Fatalf("%s: expected %v, got %v", label, want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			testContext.Fatalf("%s: expected %v, got %v", label, want, got)
		}
	}
}

type recordedDelivery struct {
	changes *changeset.ChangeSet
	err     error
}

func itemSchema(testContext *testing.T) *schema.Schema {
	testContext.Helper()
	s, err := schema.New(schema.ObjectSchema{
		Name: "Item",
		Properties: []schema.Property{
			{Name: "label", Type: schema.TypeString},
			{Name: "position", Type: schema.TypeInt},
		},
	})
	if err != nil {
		testContext.Fatalf("failed to build schema: %v", err)
	}
	return s
}
