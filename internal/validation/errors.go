package validation

// errors.go maps technical errors to user-friendly messages with codes for
// support reference. Codes share the ranges used by Catalog, plus:
//
//	DB001 - Store conflict: another writer updated the document first
//	        Patterns: "version conflict", "duplicate key"
//	DB002 - Store unavailable: unable to reach the database or document store
//	        Patterns: "connection refused", "connection reset", "no such host"
//	DB003 - Timeout: operation timed out
//	        Patterns: "deadline exceeded", "timeout"
//	DB004 - Deadlock: the database was busy with conflicting operations
//	        Patterns: "deadlock"
//	FILE006 - File too large
//	        Patterns: "file too large"
//	FILE007 - Unsupported file type
//	        Patterns: "unsupported file"
//	UPL001 - System busy: too many uploads in progress
//	        Patterns: "too many uploads"
//	UPL002 - Request cancelled
//	        Patterns: "context canceled"
//	TPL001 - Unknown template
//	        Patterns: "unknown template"
//	DOC001 - Document not found
//	        Patterns: "not found"
//	DOC002 - Illegal transition
//	        Patterns: "illegal transition"
//	ETL010 - Publishing run already in progress
//	        Patterns: "run already in progress"
//	SCN001 - Scan cursor expired
//	        Patterns: "lease expired"
//	ERR000 - Unknown error
//
// Patterns are matched case-insensitively with strings.Contains; the first
// match wins, so more specific patterns come first.

import (
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// Store errors
	{"version conflict", UserMessage{"The document was updated by another request", "Reload the document and try again", "DB001"}},
	{"duplicate key", UserMessage{"The document was updated by another request", "Reload the document and try again", "DB001"}},
	{"connection refused", UserMessage{"Unable to reach the document store", "Please try again in a few moments", "DB002"}},
	{"connection reset", UserMessage{"The connection to the document store was interrupted", "Please try again", "DB002"}},
	{"no such host", UserMessage{"Unable to reach the document store", "Check the service configuration", "DB002"}},
	{"deadlock", UserMessage{"The database was busy with conflicting operations", "Please try again", "DB004"}},

	// Upload errors; cancellation is matched before the generic timeout
	{"file too large", UserMessage{"File exceeds the maximum size limit", "Split the file into smaller uploads", "FILE006"}},
	{"unsupported file", UserMessage{"File type is not supported", "Upload a CSV or XLSX file", "FILE007"}},
	{"too many uploads", UserMessage{"Too many uploads in progress", "Please wait a moment and try again", "UPL001"}},
	{"context canceled", UserMessage{"Request was cancelled", "Please try again", "UPL002"}},
	{"deadline exceeded", UserMessage{"Operation timed out", "Try a smaller file or try again later", "DB003"}},
	{"timeout", UserMessage{"Operation timed out", "Try a smaller file or try again later", "DB003"}},

	// Domain errors
	{"unknown template", UserMessage{"The template is not configured", "Check the template name and version", "TPL001"}},
	{"run already in progress", UserMessage{"A publishing run is already in progress", "Wait for it to finish and try again", "ETL010"}},
	{"illegal transition", UserMessage{"The document cannot change to the requested state", "Check the document history", "DOC002"}},
	{"lease expired", UserMessage{"The scan cursor expired before the read finished", "Run the operation again", "SCN001"}},
	{"not found", UserMessage{"Document not found", "Verify the document id", "DOC001"}},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message. If no
// pattern matches, the ERR000 fallback is returned.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError creates a formatted error string for display:
// "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err matches a known pattern.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
