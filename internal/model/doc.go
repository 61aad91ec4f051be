// Package model defines the records shared by the ingestion pipeline, the
// incidence engine and the stores: closures, reference entities, ledger
// movements, classification rules, upload records and incidence snapshots.
//
// Types here carry no behavior beyond small invariants (state ordering,
// summary merging). Persistence lives in package store.
package model
