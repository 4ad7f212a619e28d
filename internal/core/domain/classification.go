package domain

// Category groups failures by their origin.
type Category string

const (
	CategoryNetwork       Category = "network"
	CategoryResource      Category = "resource"
	CategoryConfiguration Category = "configuration"
	CategoryPermanent     Category = "permanent"
	CategoryUnknown       Category = "unknown"
)

// Severity ranks how badly a failure affects the source.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Persistence describes how long a failure is expected to last.
type Persistence string

const (
	PersistenceTransient    Persistence = "transient"
	PersistenceIntermittent Persistence = "intermittent"
	PersistencePermanent    Persistence = "permanent"
)

// Classification is the result of mapping a raw failure onto the
// category/severity/persistence taxonomy.
type Classification struct {
	Category    Category    `json:"category"`
	Severity    Severity    `json:"severity"`
	Persistence Persistence `json:"persistence"`
	Retryable   bool        `json:"retryable"`
}
