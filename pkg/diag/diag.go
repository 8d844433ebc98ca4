// Package diag collects linker diagnostics. The linker core only reports
// records; turning them into text is left to a Printer.
package diag

import (
	"fmt"
)

type Severity uint8

const (
	Note Severity = iota
	Warning
	Error
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Note:
		return "note"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("severity(%d)", uint8(s))
}

type ID uint16

const (
	None ID = iota

	// target
	ErrUnknownTarget
	ErrBackendInit

	// inputs
	ErrCannotReadInput
	ErrUnrecognizedInput
	ErrIncompatibleInput
	ErrMalformedInput
	ErrLibraryNotFound
	ErrMalformedScript
	NoteInputTrace

	// eh_frame
	WarnEhFrameIgnored

	// resolution
	ErrMultipleDefinition
	WarnMultipleDefinition
	ErrUndefinedReference
	WarnUndefinedWeak
	WarnEntryNotFound

	// relocation
	ErrUnsupportedRelocation
	ErrRelocationOverflow
	ErrBadRelocation
	ErrCopyRelocation
	WarnTextRelocation

	// pipeline
	ErrPhaseOrder
	ErrCannotOpenOutput
	ErrCannotWriteOutput
	NotePhase

	numIDs
)

type description struct {
	severity Severity
	format   string
}

var descriptions = [numIDs]description{
	None:                     {Note, "%s"},
	ErrUnknownTarget:         {Fatal, "unknown target %q"},
	ErrBackendInit:           {Fatal, "cannot initialize backend for %s: %v"},
	ErrCannotReadInput:       {Fatal, "cannot read %s: %v"},
	ErrUnrecognizedInput:     {Error, "%s: file format not recognized"},
	ErrIncompatibleInput:     {Error, "%s is incompatible with %s"},
	ErrMalformedInput:        {Error, "%s: malformed input: %v"},
	ErrLibraryNotFound:       {Error, "cannot find -l%s"},
	ErrMalformedScript:       {Error, "%s: cannot parse linker script: %v"},
	NoteInputTrace:           {Note, "%s"},
	WarnEhFrameIgnored:       {Warning, "%s: cannot parse .eh_frame, copying it verbatim: %v"},
	ErrMultipleDefinition:    {Error, "multiple definition of `%s'; %s: first defined in %s"},
	WarnMultipleDefinition:   {Warning, "multiple definition of `%s'; %s: first defined in %s"},
	ErrUndefinedReference:    {Error, "%s: undefined reference to `%s'"},
	WarnUndefinedWeak:        {Warning, "undefined weak symbol `%s' resolved to 0"},
	WarnEntryNotFound:        {Warning, "cannot find entry symbol %s; defaulting to %#x"},
	ErrUnsupportedRelocation: {Error, "%s: unsupported relocation %s against `%s'"},
	ErrRelocationOverflow:    {Error, "%s: relocation %s against `%s' out of range"},
	ErrBadRelocation:         {Error, "%s: bad relocation %s against `%s'"},
	ErrCopyRelocation:        {Error, "%s: relocation %s against `%s' needs a copy relocation; recompile with -fPIC"},
	WarnTextRelocation:       {Warning, "%s: creating a dynamic relocation %s against `%s' in read-only section"},
	ErrPhaseOrder:            {Fatal, "%s cannot run before %s"},
	ErrCannotOpenOutput:      {Fatal, "cannot open output file %s: %v"},
	ErrCannotWriteOutput:     {Fatal, "cannot write output file %s: %v"},
	NotePhase:                {Note, "%s"},
}

func (id ID) Severity() Severity {
	if id >= numIDs {
		return Error
	}
	return descriptions[id].severity
}

type Record struct {
	ID       ID
	Severity Severity
	Args     []any
}

func (r Record) Message() string {
	if r.ID >= numIDs {
		return fmt.Sprint(r.Args...)
	}
	return fmt.Sprintf(descriptions[r.ID].format, r.Args...)
}

func (r Record) String() string {
	return r.Severity.String() + ": " + r.Message()
}
