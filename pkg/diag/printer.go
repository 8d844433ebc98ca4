package diag

import (
	"fmt"
	"io"

	"github.com/go-logr/logr"
)

type Printer interface {
	Print(r Record)
}

// TextPrinter prints records the way binutils does: "prog: severity: text".
type TextPrinter struct {
	W    io.Writer
	Prog string
}

func (p *TextPrinter) Print(r Record) {
	if p.Prog != "" {
		fmt.Fprintf(p.W, "%s: %s\n", p.Prog, r)
		return
	}
	fmt.Fprintln(p.W, r)
}

type LogPrinter struct {
	Log logr.Logger
}

func (p *LogPrinter) Print(r Record) {
	switch r.Severity {
	case Error, Fatal:
		p.Log.Error(nil, r.Message(), "id", r.ID, "severity", r.Severity.String())
	case Warning:
		p.Log.Info(r.Message(), "id", r.ID, "severity", r.Severity.String())
	default:
		p.Log.V(1).Info(r.Message(), "id", r.ID)
	}
}
