package upload

import (
	"context"
	"errors"
	"strings"

	"github.com/casework/client-dedup/core"
	"github.com/casework/client-dedup/tabular"
)

// ErrorCode is a stable, user-facing upload error identifier.
type ErrorCode string

const (
	// File problems.
	CodeUnsupportedFormat ErrorCode = "UPLOAD_001"
	CodeEmptyFile         ErrorCode = "UPLOAD_002"
	CodeNoColumns         ErrorCode = "UPLOAD_003"
	CodeEncoding          ErrorCode = "UPLOAD_004"
	CodeTooLarge          ErrorCode = "UPLOAD_005"

	// Row validation.
	CodeMissingColumns ErrorCode = "UPLOAD_020"
	CodeInvalidRow     ErrorCode = "UPLOAD_021"
	CodeMissingField   ErrorCode = "UPLOAD_025"
	CodeNoIdentity     ErrorCode = "UPLOAD_026"

	// Database.
	CodeTimeout          ErrorCode = "UPLOAD_040"
	CodeConnectionLost   ErrorCode = "UPLOAD_041"
	CodeTransaction      ErrorCode = "UPLOAD_042"
	CodeDuplicateEntry   ErrorCode = "UPLOAD_044"
	CodeInvalidReference ErrorCode = "UPLOAD_045"
	CodeValueTooLong     ErrorCode = "UPLOAD_046"
	CodeRequiredMissing  ErrorCode = "UPLOAD_047"

	// Processing.
	CodeCanceled ErrorCode = "UPLOAD_062"

	// Business rules.
	CodeProgramNotFound ErrorCode = "UPLOAD_080"

	// System.
	CodeUnexpected  ErrorCode = "UPLOAD_100"
	CodeLogCreation ErrorCode = "UPLOAD_102"
)

// CodeInfo describes an error code to the person who uploaded the file.
type CodeInfo struct {
	Message    string `json:"message"`
	Category   string `json:"category"`
	UserAction string `json:"user_action"`
}

var codeTable = map[ErrorCode]CodeInfo{
	CodeUnsupportedFormat: {"File format not supported. Only CSV and XLSX files are allowed.", "file_format", "Please upload a CSV or XLSX file."},
	CodeEmptyFile:         {"File is empty or contains no data.", "file_content", "Please ensure your file contains data rows."},
	CodeNoColumns:         {"File has no columns or invalid structure.", "file_structure", "Please check your file format and ensure it has column headers."},
	CodeEncoding:          {"File encoding could not be determined.", "file_encoding", "Please save your file as UTF-8 encoded CSV and try again."},
	CodeTooLarge:          {"File is too large for synchronous processing.", "file_size", "Please split your file into smaller files."},
	CodeMissingColumns:    {"Missing required columns.", "validation", "Please ensure your file includes all required columns."},
	CodeInvalidRow:        {"Invalid data format in row.", "validation", "Please check the data format in the specified row."},
	CodeMissingField:      {"Required field missing.", "validation", "Please fill in the required field for this row."},
	CodeNoIdentity:        {"Row has no identifying fields.", "validation", "Please provide a client ID, name, email or phone."},
	CodeTimeout:           {"Database timeout.", "database", "The upload is taking too long. Please try a smaller file or contact support."},
	CodeConnectionLost:    {"Database connection lost.", "database", "Database connection was lost. Please try again."},
	CodeTransaction:       {"Database transaction failed.", "database", "Database operation failed. Please try again or contact support."},
	CodeDuplicateEntry:    {"Duplicate entry.", "database", "A record with the same unique value already exists."},
	CodeInvalidReference:  {"Invalid reference.", "database", "A referenced record does not exist."},
	CodeValueTooLong:      {"Value too long.", "database", "Please shorten the values in your file."},
	CodeRequiredMissing:   {"Required field missing.", "database", "Please ensure required columns are filled in."},
	CodeCanceled:          {"Processing canceled.", "timeout", "Upload was interrupted. Please try again."},
	CodeProgramNotFound:   {"Program not found.", "business_logic", "Please ensure the program exists in the system before uploading."},
	CodeUnexpected:        {"Unexpected error occurred.", "system", "An unexpected error occurred. Please contact support with the error code."},
	CodeLogCreation:       {"Upload log creation failed.", "system", "Failed to create upload log. Please try again."},
}

// Info returns the description for code. Unknown codes describe
// CodeUnexpected.
func (c ErrorCode) Info() CodeInfo {
	if info, ok := codeTable[c]; ok {
		return info
	}
	return codeTable[CodeUnexpected]
}

// maxMessageLen bounds the raw error text surfaced to users.
const maxMessageLen = 200

// Error is a structural upload failure carrying a stable code.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code) + ": " + e.Code.Info().Message
	}
	return string(e.Code) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func codedError(code ErrorCode, err error) *Error {
	return &Error{Code: code, Err: err}
}

// Classify maps a structural error onto a stable code. It looks at the
// error chain first and the error text second.
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	switch {
	case errors.Is(err, tabular.ErrUnsupportedFormat):
		return CodeUnsupportedFormat
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, core.ErrPairAlreadyFlagged):
		return CodeDuplicateEntry
	case errors.Is(err, core.ErrProgramNotFound):
		return CodeProgramNotFound
	case errors.Is(err, core.ErrClientNotFound):
		return CodeInvalidReference
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate"):
		return CodeDuplicateEntry
	case strings.Contains(msg, "foreign key"):
		return CodeInvalidReference
	case strings.Contains(msg, "not null constraint") || strings.Contains(msg, "null value"):
		return CodeRequiredMissing
	case strings.Contains(msg, "too long") || strings.Contains(msg, "string or blob too big"):
		return CodeValueTooLong
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "database is locked"):
		return CodeTimeout
	case strings.Contains(msg, "connection") && (strings.Contains(msg, "lost") || strings.Contains(msg, "closed")):
		return CodeConnectionLost
	case strings.Contains(msg, "transaction"):
		return CodeTransaction
	}
	return CodeUnexpected
}

// userMessage renders err for the upload result, truncating raw driver text.
func userMessage(code ErrorCode, err error) string {
	msg := code.Info().Message
	if err == nil || code != CodeUnexpected {
		return msg
	}
	raw := err.Error()
	if len(raw) > maxMessageLen {
		raw = raw[:maxMessageLen] + "..."
	}
	return msg + " " + raw
}
