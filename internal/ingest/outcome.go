package ingest

// Outcome classifies what the pipeline did with one inbound event.
// Expected business states (duplicate, stale, invalid) are not errors;
// only InfraError represents a storage or network fault, and it is
// swallowed at the pipeline boundary so one bad event cannot halt the
// stream.
type Outcome string

const (
	InsertedIndividual Outcome = "inserted-individual"
	InsertedGroup      Outcome = "inserted-group"
	InsertedBroadcast  Outcome = "inserted-broadcast"
	Duplicate          Outcome = "duplicate"
	Stale              Outcome = "stale"
	Invalid            Outcome = "invalid"
	InfraError         Outcome = "infra-error"
)

// Inserted reports whether the outcome persisted a row.
func (o Outcome) Inserted() bool {
	switch o {
	case InsertedIndividual, InsertedGroup, InsertedBroadcast:
		return true
	}
	return false
}
