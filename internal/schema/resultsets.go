package schema

// ResultSetsClassName is the internal class holding query-based sync subscriptions.
const ResultSetsClassName = "__ResultSets"

// Property names of the subscription class.
const (
	ResultSetsName            = "name"
	ResultSetsQuery           = "query"
	ResultSetsMatchesProperty = "matches_property"
	ResultSetsStatus          = "status"
	ResultSetsErrorMessage    = "error_message"
	ResultSetsTimeToLive      = "time_to_live"
	ResultSetsCreatedAt       = "created_at"
	ResultSetsUpdatedAt       = "updated_at"
	ResultSetsExpiresAt       = "expires_at"
)

// ResultSetsClass returns the subscription class definition.
func ResultSetsClass() ObjectSchema {
	return ObjectSchema{
		Name: ResultSetsClassName,
		Properties: []Property{
			{Name: ResultSetsName, Type: TypeString, PrimaryKey: true},
			{Name: ResultSetsQuery, Type: TypeString},
			{Name: ResultSetsMatchesProperty, Type: TypeString, Indexed: true},
			{Name: ResultSetsStatus, Type: TypeInt},
			{Name: ResultSetsErrorMessage, Type: TypeString},
			{Name: ResultSetsTimeToLive, Type: TypeInt, Nullable: true},
			{Name: ResultSetsCreatedAt, Type: TypeDate},
			{Name: ResultSetsUpdatedAt, Type: TypeDate},
			{Name: ResultSetsExpiresAt, Type: TypeDate, Nullable: true},
		},
	}
}
