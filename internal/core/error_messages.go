package core

// error_messages.go maps errors to coded operator messages.
//
// Every failure an operator can see carries a short code they can quote to
// support. Codes are grouped by where the failure happens:
//
//	NAME001-NAME099  file name contract and upload identity
//	FILE001-FILE099  stored file checks
//	VAL001-VAL099    workbook layout and content
//	PIPE001-PIPE099  pipeline and scheduling
//	DB001-DB099      database
//	ERR000           no pattern matched; check the logs
//
// Patterns are matched case-insensitively with strings.Contains against the
// error text, so a failure persisted on an upload record ("parsed: ...")
// maps to the same code as the live error. The first match wins, so
// specific patterns come before general ones.

import (
	"fmt"
	"strings"
)

// UserMessage is the operator-facing form of an error.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// Name contract
	{"invalid ledger file name", UserMessage{
		Message: "The file name does not follow <client>_LibroMayor_<YYYYMM>.xlsx",
		Action:  "Rename the file and upload it again",
		Code:    "NAME001",
	}},
	{"file name does not match upload", UserMessage{
		Message: "The file name names a different client or period",
		Action:  "Check the client and period selected for the upload",
		Code:    "NAME002",
	}},
	{"client not found", UserMessage{
		Message: "The client in the file name is not registered",
		Action:  "Register the client before uploading its ledger",
		Code:    "NAME003",
	}},
	{"closure not found", UserMessage{
		Message: "No closure exists for this client and period",
		Action:  "Upload the ledger to open the closure",
		Code:    "NAME004",
	}},
	{"invalid period", UserMessage{
		Message: "The period is not a valid YYYYMM month",
		Action:  "Select the closing month again",
		Code:    "NAME005",
	}},

	// Stored file
	{"file too large", UserMessage{
		Message: "The file exceeds the maximum upload size",
		Action:  "Remove unused sheets or split the period",
		Code:    "FILE001",
	}},
	{"empty file", UserMessage{
		Message: "The uploaded file is empty",
		Action:  "Export the ledger again and upload it",
		Code:    "FILE002",
	}},
	{"not an xlsx workbook", UserMessage{
		Message: "The file is not an Excel workbook",
		Action:  "Save the ledger as .xlsx",
		Code:    "FILE003",
	}},
	{"file hash mismatch", UserMessage{
		Message: "The stored file changed after upload",
		Action:  "Upload the file again",
		Code:    "FILE004",
	}},
	{"stored file not found", UserMessage{
		Message: "The uploaded file is no longer available",
		Action:  "Upload the file again",
		Code:    "FILE005",
	}},

	// Workbook content
	{"ledger header row not found", UserMessage{
		Message: "No sheet has a ledger header row",
		Action:  "Make sure the header has Fecha, Debe and Haber columns",
		Code:    "VAL001",
	}},
	{"missing required column", UserMessage{
		Message: "A required ledger column is missing",
		Action:  "Make sure the header has Fecha, Debe and Haber columns",
		Code:    "VAL001",
	}},
	{"workbook has no sheets", UserMessage{
		Message: "The workbook has no sheets",
		Action:  "Export the ledger again and upload it",
		Code:    "VAL002",
	}},
	{"no opening balance markers found", UserMessage{
		Message: "No account blocks were found in the ledger",
		Action:  "Each account must start with a \"Saldo anterior\" row",
		Code:    "VAL003",
	}},
	{"unrecognized date", UserMessage{
		Message: "A date could not be read",
		Action:  "Use DD/MM/YYYY or an Excel date cell",
		Code:    "VAL004",
	}},
	{"invalid amount", UserMessage{
		Message: "An amount could not be read",
		Action:  "Use plain numbers in the Debe and Haber columns",
		Code:    "VAL005",
	}},
	{"malformed key", UserMessage{
		Message: "An account or reference code is malformed",
		Action:  "Check the codes flagged in the row errors",
		Code:    "VAL006",
	}},

	// Pipeline
	{"too many uploads", UserMessage{
		Message: "The system is busy processing other uploads",
		Action:  "Please wait a moment and try again",
		Code:    "PIPE001",
	}},
	{"closure has an active upload", UserMessage{
		Message: "This closure is already being processed",
		Action:  "Wait for the current upload to finish",
		Code:    "PIPE002",
	}},
	{"closure is being processed", UserMessage{
		Message: "This closure is already being processed",
		Action:  "Wait for the current upload to finish",
		Code:    "PIPE002",
	}},
	{"upload is in error state", UserMessage{
		Message: "The upload failed earlier",
		Action:  "Reprocess the closure or upload a corrected file",
		Code:    "PIPE003",
	}},
	{"invalid state transition", UserMessage{
		Message: "The upload is not ready for this step",
		Action:  "Check the upload status and try again",
		Code:    "PIPE004",
	}},
	{"upload state changed concurrently", UserMessage{
		Message: "The upload was changed by another process",
		Action:  "Check the upload status",
		Code:    "PIPE005",
	}},
	{"context deadline exceeded", UserMessage{
		Message: "A processing stage took too long",
		Action:  "Reprocess the closure; contact support if it happens again",
		Code:    "PIPE006",
	}},
	{"stale upload", UserMessage{
		Message: "Processing stopped and did not resume",
		Action:  "Reprocess the closure",
		Code:    "PIPE006",
	}},
	{"context canceled", UserMessage{
		Message: "The request was cancelled",
		Action:  "Please try again",
		Code:    "PIPE007",
	}},
	{"incidences not generated yet", UserMessage{
		Message: "Incidences are not available yet",
		Action:  "Wait for processing to finish",
		Code:    "PIPE008",
	}},
	{"shutting down", UserMessage{
		Message: "The service is restarting",
		Action:  "Please try again in a few moments",
		Code:    "PIPE009",
	}},

	// Database
	{"connection refused", UserMessage{
		Message: "Unable to connect to the database",
		Action:  "Please try again in a few moments",
		Code:    "DB001",
	}},
	{"connection reset", UserMessage{
		Message: "The database connection was interrupted",
		Action:  "Please try again",
		Code:    "DB002",
	}},
	{"deadlock", UserMessage{
		Message: "The database was busy with conflicting operations",
		Action:  "Please try again",
		Code:    "DB003",
	}},
	{"duplicate key", UserMessage{
		Message: "A record with this key already exists",
		Action:  "Please try again",
		Code:    "DB004",
	}},
	{"not found", UserMessage{
		Message: "The requested record does not exist",
		Action:  "Check the identifier and try again",
		Code:    "DB005",
	}},
}

// defaultMessage is returned when no pattern matches.
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts err to an operator-facing message. A nil error maps to
// the zero UserMessage.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	return MapFailure(err.Error())
}

// MapFailure maps a persisted failure string.
func MapFailure(text string) UserMessage {
	if text == "" {
		return UserMessage{}
	}
	lower := strings.ToLower(text)
	for _, ep := range errorPatterns {
		if strings.Contains(lower, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError renders err as "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err matched a known pattern.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its operator-facing message.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err. It returns nil for a nil error.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{Technical: err, User: MapError(err)}
}
