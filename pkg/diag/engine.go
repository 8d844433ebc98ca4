package diag

// Engine accumulates records for one link. Limits only affect Flush,
// every record stays queryable.
type Engine struct {
	ErrorLimit   int
	WarningLimit int

	records  []Record
	errors   int
	warnings int
}

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) Report(id ID, args ...any) {
	e.ReportAs(id.Severity(), id, args...)
}

// ReportAs overrides the default severity, e.g. for errors downgraded
// by a command line option.
func (e *Engine) ReportAs(sev Severity, id ID, args ...any) {
	e.records = append(e.records, Record{ID: id, Severity: sev, Args: args})
	switch sev {
	case Error, Fatal:
		e.errors++
	case Warning:
		e.warnings++
	}
}

func (e *Engine) HasError() bool {
	return e.errors > 0
}

func (e *Engine) NumErrors() int {
	return e.errors
}

func (e *Engine) NumWarnings() int {
	return e.warnings
}

func (e *Engine) Records() []Record {
	return e.records
}

// Has reports whether any record with the given id was reported.
func (e *Engine) Has(id ID) bool {
	for _, r := range e.records {
		if r.ID == id {
			return true
		}
	}
	return false
}

func (e *Engine) Reset() {
	e.records = nil
	e.errors = 0
	e.warnings = 0
}

// Flush hands every record to p, honoring the error and warning limits,
// and drops them from the engine. Counters survive so HasError still
// reflects the whole link.
func (e *Engine) Flush(p Printer) {
	var errs, warns int
	for _, r := range e.records {
		switch r.Severity {
		case Error, Fatal:
			errs++
			if e.ErrorLimit > 0 && errs > e.ErrorLimit {
				continue
			}
		case Warning:
			warns++
			if e.WarningLimit > 0 && warns > e.WarningLimit {
				continue
			}
		}
		p.Print(r)
	}
	if e.ErrorLimit > 0 && errs > e.ErrorLimit {
		p.Print(Record{
			ID:       None,
			Severity: Note,
			Args:     []any{"too many errors emitted, stopping now"},
		})
	}
	e.records = nil
}
