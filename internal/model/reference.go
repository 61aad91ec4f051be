package model

// Account is a chart-of-accounts entry. Created lazily during parsing,
// unique per (client, code) and never deleted by the pipeline.
type Account struct {
	ID          int64
	ClientID    int64
	Code        string
	Name        string
	EnglishName string
}

// LookupKind identifies one of the client-scoped lookup tables.
type LookupKind string

const (
	KindCostCenter   LookupKind = "cost_center"
	KindAuxiliary    LookupKind = "auxiliary"
	KindDocumentType LookupKind = "document_type"
)

// Lookup is a client-scoped reference entity keyed by a natural code:
// cost centers, auxiliaries (counterparties) and document types.
type Lookup struct {
	ID       int64
	Kind     LookupKind
	ClientID int64
	Code     string
	Name     string
}

type (
	CostCenter   = Lookup
	Auxiliary    = Lookup
	DocumentType = Lookup
)
