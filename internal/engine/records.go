package engine

const (
	metaCommitVersion = "commit_version"
	metaSchemaVersion = "schema_version"
	metaSchemaJSON    = "schema_json"
	metaKeyCheck      = "key_check"
	metaNextRowID     = "next_row_id"
)

type rowRecord struct {
	ID         int64   `gorm:"column:id;primaryKey;autoIncrement:false"`
	Class      string  `gorm:"column:class;size:190;not null;index:idx_realm_rows_class;uniqueIndex:idx_realm_rows_class_pk,priority:1"`
	PrimaryKey *string `gorm:"column:primary_key;size:190;uniqueIndex:idx_realm_rows_class_pk,priority:2"`
	Payload    []byte  `gorm:"column:payload;not null"`
	Version    int64   `gorm:"column:version;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (rowRecord) TableName() string {
	return "realm_rows"
}

type metaRecord struct {
	Key      string `gorm:"column:meta_key;primaryKey;size:64"`
	IntValue int64  `gorm:"column:int_value;not null;default:0"`
	Blob     []byte `gorm:"column:blob"`
}

// TableName provides the explicit table binding for GORM.
func (metaRecord) TableName() string {
	return "realm_meta"
}

// Row is one committed object as seen by a connection.
type Row struct {
	ID         int64
	Class      string
	PrimaryKey *string
	Payload    []byte
	Version    int64
}
