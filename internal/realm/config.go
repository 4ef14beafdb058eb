package realm

import (
	"encoding/json"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/realmkit/internal/schema"
)

// MigrationFunc runs when the file's schema version is older than Config.SchemaVersion.
type MigrationFunc func(*Migration) error

// Config describes how to open a realm.
type Config struct {
	Path string
	// Schema lists classes accessed dynamically. Types adds classes derived from Go structs,
	// which are accessed through compiled accessors.
	Schema        *schema.Schema
	Types         []any
	SchemaVersion uint64
	// EncryptionKey must be nil or exactly 64 bytes.
	EncryptionKey []byte
	Migration     MigrationFunc
	// Dynamic opens the file with the schema persisted by an earlier open.
	Dynamic   bool
	WatchFile bool
	Logger    *zap.Logger
}

// Migration is handed to MigrationFunc. Realm is in a write for the whole callback.
type Migration struct {
	Realm            *Realm
	OldSchemaVersion uint64
	NewSchemaVersion uint64
}

type resolvedSchema struct {
	schema  *schema.Schema
	goTypes []reflect.Type
	encoded []byte
}

func resolveSchema(cfg Config) (resolvedSchema, error) {
	var classes []schema.ObjectSchema
	seen := map[string]bool{}
	if cfg.Schema != nil {
		for _, class := range cfg.Schema.Classes() {
			classes = append(classes, class)
			seen[class.Name] = true
		}
	}
	goTypes := make([]reflect.Type, 0, len(cfg.Types))
	for _, value := range cfg.Types {
		goType := reflect.TypeOf(value)
		class, err := schema.FromType(goType)
		if err != nil {
			return resolvedSchema{}, err
		}
		goTypes = append(goTypes, goType)
		if !seen[class.Name] {
			classes = append(classes, class)
			seen[class.Name] = true
		}
	}
	if !seen[schema.ResultSetsClassName] {
		classes = append(classes, schema.ResultSetsClass())
	}
	resolved, err := schema.New(classes...)
	if err != nil {
		return resolvedSchema{}, err
	}
	encoded, err := json.Marshal(resolved)
	if err != nil {
		return resolvedSchema{}, fmt.Errorf("encode schema: %w", err)
	}
	return resolvedSchema{schema: resolved, goTypes: goTypes, encoded: encoded}, nil
}

func decodeStoredSchema(stored []byte) (*schema.Schema, error) {
	if len(stored) == 0 {
		return nil, ErrSchemaUnavailable
	}
	decoded := &schema.Schema{}
	if err := json.Unmarshal(stored, decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaUnavailable, err)
	}
	return decoded, nil
}
