package model

// ClassificationSet is a named categorization scheme every account may be
// mapped into. Mandatory sets must be filled for each account with movements.
// The statement set carries the ESF/ERI grouping used by the balance check.
type ClassificationSet struct {
	ID        int64
	ClientID  int64
	Name      string
	Mandatory bool
	Statement bool
}

// ClassificationOption is one allowed value of a set.
type ClassificationOption struct {
	ID    int64
	SetID int64
	Value string
}

// AccountClassification assigns one option to one account within one set.
// Accounts are referenced by code so rules can exist before the account is
// first seen in a ledger.
type AccountClassification struct {
	ClientID    int64
	AccountCode string
	SetID       int64
	OptionID    int64
	Value       string
}

// ClassificationException suppresses "missing classification" incidences for
// one (account, set) pair while active.
type ClassificationException struct {
	ClientID    int64
	AccountCode string
	SetID       int64
	Active      bool
	Reason      string
}

// ExceptionKind scopes an AccountException to one incidence rule.
type ExceptionKind string

const (
	ExceptDocumentType ExceptionKind = "document_type"
	ExceptEnglishName  ExceptionKind = "english_name"
)

// AccountException suppresses a per-account rule other than classification.
type AccountException struct {
	ClientID    int64
	AccountCode string
	Kind        ExceptionKind
	Active      bool
	Reason      string
}
