package diag

import (
	"bytes"
	"testing"

	"github.com/go-logr/logr/funcr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineCounts(t *testing.T) {
	e := NewEngine()
	e.Report(WarnUndefinedWeak, "foo")
	assert.False(t, e.HasError())
	e.Report(ErrUndefinedReference, "a.o", "bar")
	e.ReportAs(Warning, WarnMultipleDefinition, "baz", "b.o", "a.o")
	assert.True(t, e.HasError())
	assert.Equal(t, 1, e.NumErrors())
	assert.Equal(t, 2, e.NumWarnings())
	assert.True(t, e.Has(ErrUndefinedReference))
	assert.False(t, e.Has(ErrMultipleDefinition))

	e.Reset()
	assert.False(t, e.HasError())
	assert.Empty(t, e.Records())
}

func TestRecordMessage(t *testing.T) {
	r := Record{ID: ErrUndefinedReference, Severity: Error, Args: []any{"b.o", "foo"}}
	assert.Equal(t, "b.o: undefined reference to `foo'", r.Message())
	assert.Equal(t, "error: b.o: undefined reference to `foo'", r.String())
}

func TestFlushErrorLimit(t *testing.T) {
	e := NewEngine()
	e.ErrorLimit = 2
	for _, name := range []string{"a", "b", "c"} {
		e.Report(ErrUndefinedReference, "x.o", name)
	}

	buf := &bytes.Buffer{}
	e.Flush(&TextPrinter{W: buf, Prog: "ld"})
	assert.Equal(t,
		"ld: error: x.o: undefined reference to `a'\n"+
			"ld: error: x.o: undefined reference to `b'\n"+
			"ld: note: too many errors emitted, stopping now\n",
		buf.String())
	assert.Empty(t, e.Records())
	assert.True(t, e.HasError(), "counters outlive flush")
}

func TestLogPrinter(t *testing.T) {
	var lines []string
	log := funcr.New(func(prefix, args string) {
		lines = append(lines, args)
	}, funcr.Options{Verbosity: 1})

	e := NewEngine()
	e.Report(ErrPhaseOrder, "layout", "resolve")
	e.Report(WarnEntryNotFound, "_start", 0x1000)
	e.Flush(&LogPrinter{Log: log})
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "layout cannot run before resolve")
	assert.Contains(t, lines[1], "cannot find entry symbol _start")
}
