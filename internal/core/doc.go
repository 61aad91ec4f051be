// Package core runs ledger uploads through the processing pipeline.
//
// An upload is an UploadRecord persisted in the store. The record's state
// is the only thing carried between stages:
//
//	pending -> name_validated -> file_verified -> content_validated
//	        -> parsed -> incidences_generated -> finalized
//
// and any stage may move it to error instead. [Pipeline.RunStage] runs one
// stage: it reads the record, does its work, then merges the stage's typed
// result into the summary and advances the state in one locked update. A
// stage whose target state was already reached is a no-op, so a chain can
// be re-driven safely after a crash.
//
// # Scheduling
//
// [Dispatcher] owns a fixed pool of workers. A worker runs one stage of one
// upload and re-queues the upload id for the next stage, so the next stage
// never starts before the previous one committed. Chains of different
// uploads interleave freely. Each chain holds an [UploadLimiter] slot from
// acceptance until it reaches a terminal state. Stages run under a per-stage
// timeout; a timed-out stage marks the upload failed. Uploads left active by
// a previous process are picked up by [Dispatcher.Resume], and the [Sweeper]
// fails those that stop making progress.
//
// # Entry points
//
// [Service] accepts uploads, answers status and incidence queries and
// starts reprocess iterations. Technical errors are mapped to coded
// operator messages with [MapError]:
//
//   - NAME: file name contract and catalog lookups
//   - FILE: stored file checks
//   - VAL: workbook layout and content
//   - PIPE: scheduling and state machine
//   - DB: database
package core
