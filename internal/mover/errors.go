package mover

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind categorizes migration failures.
type ErrorKind string

const (
	// KindVerificationMismatch means a post-move row count did not add up.
	KindVerificationMismatch ErrorKind = "VERIFICATION_MISMATCH"

	// KindUnresolvedRequiredReference means a required foreign key had no
	// mapping at insert time.
	KindUnresolvedRequiredReference ErrorKind = "UNRESOLVED_REQUIRED_REFERENCE"

	// KindUnresolvedOptionalReference marks a reference left null. It is
	// reported as a diagnostic, never returned from a run.
	KindUnresolvedOptionalReference ErrorKind = "UNRESOLVED_OPTIONAL_REFERENCE"

	// KindStatementFailure means the database rejected a generated statement.
	KindStatementFailure ErrorKind = "STATEMENT_FAILURE"

	// KindAlreadyProcessedSource means the final phase already passed for
	// this source.
	KindAlreadyProcessedSource ErrorKind = "ALREADY_PROCESSED_SOURCE"
)

// MigrationError is the single error type a run fails with.
type MigrationError struct {
	Kind    ErrorKind
	Message string
	Phase   string
	Entity  string
	// Statement is the SQL in progress, truncated.
	Statement string
	// Offset is the source row offset of the page in progress, or -1.
	Offset int64
	Err    error
}

// Error implements the error interface.
func (e *MigrationError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		if e.Message != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}

	var ctx []string
	if e.Phase != "" {
		ctx = append(ctx, "phase="+e.Phase)
	}
	if e.Entity != "" {
		ctx = append(ctx, "entity="+e.Entity)
	}
	if e.Offset >= 0 {
		ctx = append(ctx, fmt.Sprintf("offset=%d", e.Offset))
	}
	if len(ctx) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ctx, ", "))
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *MigrationError) Unwrap() error {
	return e.Err
}

// WithContext fills in phase and entity on a MigrationError, wrapping other
// errors as statement failures.
func WithContext(err error, phase, entity string) error {
	if err == nil {
		return nil
	}
	var me *MigrationError
	if !errors.As(err, &me) {
		return &MigrationError{Kind: KindStatementFailure, Phase: phase, Entity: entity, Offset: -1, Err: err}
	}
	if me.Phase == "" {
		me.Phase = phase
	}
	if me.Entity == "" {
		me.Entity = entity
	}
	return err
}

func kindOf(err error) ErrorKind {
	var me *MigrationError
	if errors.As(err, &me) {
		return me.Kind
	}
	return ""
}

// IsVerificationMismatch reports whether err is a row count mismatch.
func IsVerificationMismatch(err error) bool {
	return kindOf(err) == KindVerificationMismatch
}

// IsUnresolvedRequiredReference reports whether err is a missing required
// reference.
func IsUnresolvedRequiredReference(err error) bool {
	return kindOf(err) == KindUnresolvedRequiredReference
}

// IsStatementFailure reports whether err is a rejected statement.
func IsStatementFailure(err error) bool {
	return kindOf(err) == KindStatementFailure
}

// IsAlreadyProcessedSource reports whether err is the resume guard.
func IsAlreadyProcessedSource(err error) bool {
	return kindOf(err) == KindAlreadyProcessedSource
}

const maxStatement = 512

func statementFailure(entity, stmt string, offset int64, err error) *MigrationError {
	if len(stmt) > maxStatement {
		stmt = stmt[:maxStatement] + "..."
	}
	return &MigrationError{Kind: KindStatementFailure, Entity: entity, Statement: stmt, Offset: offset, Err: err}
}

func verificationMismatch(entity, format string, args ...any) *MigrationError {
	return &MigrationError{Kind: KindVerificationMismatch, Entity: entity, Message: fmt.Sprintf(format, args...), Offset: -1}
}

func unresolvedRequired(entity string, offset int64, format string, args ...any) *MigrationError {
	return &MigrationError{Kind: KindUnresolvedRequiredReference, Entity: entity, Message: fmt.Sprintf(format, args...), Offset: offset}
}

// AlreadyProcessed builds the resume guard error for source.
func AlreadyProcessed(source string) *MigrationError {
	return &MigrationError{
		Kind:    KindAlreadyProcessedSource,
		Message: fmt.Sprintf("source %s has already been merged", source),
		Offset:  -1,
	}
}

// Diagnostic is a non-fatal unresolved reference.
type Diagnostic struct {
	Kind     ErrorKind `json:"kind"`
	Entity   string    `json:"entity"`
	Column   string    `json:"column"`
	DestID   int64     `json:"dest_id,omitempty"`
	SrcValue int64     `json:"src_value"`
	Reason   string    `json:"reason"`
}
