package linker

import (
	"github.com/go-logr/logr"
	"github.com/hcyang1106/fraglinker/pkg/diag"
)

type phase uint8

const (
	phaseNone phase = iota
	phaseEmulated
	phaseNormalized
	phaseResolved
	phaseLaidOut
	phaseEmitted
)

func (p phase) String() string {
	switch p {
	case phaseEmulated:
		return "emulate"
	case phaseNormalized:
		return "normalize"
	case phaseResolved:
		return "resolve"
	case phaseLaidOut:
		return "layout"
	case phaseEmitted:
		return "emit"
	}
	return "start"
}

// maxRelaxRounds bounds the relaxation loop. Every round can only grow
// sections, so a handful of rounds settle real inputs.
const maxRelaxRounds = 8

// Linker drives one link through emulate, normalize, resolve, layout and
// emit. Each phase requires the previous one and returns false when the
// link can not go on; the reasons are in Diagnostics.
type Linker struct {
	config LinkerConfig
	log    logr.Logger
	diag   *diag.Engine
	module *Module
	fl     *FragmentLinker
	phase  phase
}

func NewLinker(cfg *LinkerConfig, log logr.Logger) *Linker {
	l := &Linker{
		config: *cfg,
		log:    log,
		diag:   diag.NewEngine(),
	}
	l.diag.ErrorLimit = cfg.Options.ErrorLimit
	l.diag.WarningLimit = cfg.Options.WarningLimit
	return l
}

func (l *Linker) Diagnostics() *diag.Engine {
	return l.diag
}

func (l *Linker) Module() *Module {
	return l.module
}

func (l *Linker) CodePosition() CodePosition {
	if l.module == nil {
		return CodePositionUnknown
	}
	return l.module.CodePosition
}

// Reset drops everything the previous link built. The linker can then
// start over from Emulate with the configuration it was created with.
func (l *Linker) Reset() {
	l.module = nil
	l.fl = nil
	l.phase = phaseNone
	l.diag.Reset()
}

func (l *Linker) enter(want phase, next phase) bool {
	if l.phase != want {
		l.diag.Report(diag.ErrPhaseOrder, next.String(), want.String())
		return false
	}
	l.log.V(1).Info("phase", "name", next.String())
	return true
}

func (l *Linker) finish(p phase) bool {
	if l.diag.HasError() {
		return false
	}
	l.phase = p
	return true
}

// Emulate picks the backend and output codec for the configured target.
func (l *Linker) Emulate() bool {
	if !l.enter(phaseNone, phaseEmulated) {
		return false
	}

	cfg := l.config
	cfg.LibraryPaths = append([]string(nil), l.config.LibraryPaths...)
	if cfg.Machine == MachineTypeNone && cfg.Triple != "" {
		cfg.Machine = MachineTypeFromTriple(cfg.Triple)
	}
	if cfg.Machine == MachineTypeNone {
		l.diag.Report(diag.ErrUnknownTarget, cfg.Triple)
		return false
	}

	backend, err := NewBackend(cfg.Machine)
	if err != nil {
		l.diag.Report(diag.ErrBackendInit, cfg.Machine, err)
		return false
	}
	codec, err := NewElfCodec(backend.Class(), backend.Data())
	if err != nil {
		l.diag.Report(diag.ErrBackendInit, cfg.Machine, err)
		return false
	}

	if cfg.CodeGenType == CodeGenUnknown {
		cfg.CodeGenType = backend.DefaultCodeGenType()
	}
	if cfg.DynamicLinker == "" {
		cfg.DynamicLinker = backend.DefaultDynamicLinker()
	}
	cfg.Triple = backend.Triple()

	m := NewModule(&cfg, l.diag, l.log)
	m.Backend = backend
	m.Codec = codec
	l.module = m
	l.log.V(1).Info("target", "triple", cfg.Triple, "output", cfg.CodeGenType.String())
	return l.finish(phaseEmulated)
}

// Normalize reads the inputs and resolves symbols over them, then
// decides the code position of the output.
func (l *Linker) Normalize(inputs []string) bool {
	if !l.enter(phaseEmulated, phaseNormalized) {
		return false
	}
	m := l.module

	m.InternalObj = newInternalFile(m.Codec)
	ReadInputFiles(m, inputs)
	if l.diag.HasError() {
		return false
	}
	m.Objs = append(m.Objs, m.InternalObj)

	ResolveSymbols(m)
	m.CodePosition = DecideCodePosition(m.Config, len(m.SharedFiles))
	for _, so := range m.SharedFiles {
		m.NeededLibs = append(m.NeededLibs, so.Soname)
	}
	DefineStandardSymbols(m)
	CheckUndefined(m)

	l.log.V(1).Info("inputs", "objects", len(m.Objs)-1, "shared", len(m.SharedFiles),
		"symbols", len(m.SymbolMap), "position", m.CodePosition.String())
	return l.finish(phaseNormalized)
}

// Resolve reads relocations, merges mergeable sections and gives common
// symbols storage.
func (l *Linker) Resolve() bool {
	if !l.enter(phaseNormalized, phaseResolved) {
		return false
	}
	m := l.module

	if m.Config.CodeGenType != CodeGenObject {
		RegisterSectionPieces(m)
	}
	ReadRelocations(m)
	ComputeMergedSectionSizes(m)
	if m.Config.CodeGenType != CodeGenObject {
		AllocateCommonSymbols(m)
	}
	return l.finish(phaseResolved)
}

// Layout builds the output sections, reserves GOT and PLT space, assigns
// addresses, relaxes, and finally computes symbol values and relocation
// results.
func (l *Linker) Layout() bool {
	if !l.enter(phaseResolved, phaseLaidOut) {
		return false
	}
	m := l.module
	partial := m.Config.CodeGenType == CodeGenObject

	CreateSyntheticSections(m)
	BinSections(m)
	CollectOutputSections(m)
	if partial {
		CollectRelocationSections(m)
	} else {
		ScanRelocations(m)
	}
	if l.diag.HasError() {
		return false
	}

	ComputeSectionSizes(m)
	if m.Symtab != nil {
		m.Symtab.Collect(m)
	}
	UpdateShdrs(m)
	SortOutputSections(m)
	RemoveEmptyWriters(m)
	SetSectionIndices(m)
	UpdateShdrs(m)
	SetOutputSectionOffsets(m)

	for round := 0; round < maxRelaxRounds; round++ {
		if m.Config.Options.NoRelax || !m.Backend.Relax(m) {
			break
		}
		l.log.V(2).Info("relaxed", "round", round)
		ComputeSectionSizes(m)
		UpdateShdrs(m)
		SetOutputSectionOffsets(m)
	}

	if !partial {
		FixStandardSymbols(m)
	}
	m.laidOut = true

	l.fl = NewFragmentLinker(m)
	if err := l.fl.FinalizeSymbols(); err != nil {
		l.diag.Report(diag.ErrPhaseOrder, "symbol finalization", "layout")
		return false
	}
	if partial {
		for _, w := range m.RelocWriters {
			w.AdjustImplicitAddends(m)
		}
	}
	l.fl.ApplyRelocations()

	if l.log.V(2).Enabled() {
		for _, w := range m.OutputWriters {
			shdr := w.GetShdr()
			l.log.V(2).Info("section", "name", w.GetName(), "addr", shdr.Addr,
				"offset", shdr.Offset, "size", shdr.Size)
		}
	}
	return l.finish(phaseLaidOut)
}

// Emit writes the image to the output file. A failed emit leaves no
// output file behind.
func (l *Linker) Emit() bool {
	if !l.enter(phaseLaidOut, phaseEmitted) {
		return false
	}
	m := l.module
	path := m.Config.Output

	out, err := OpenOutputFile(path, GetFileSize(m), m.Config.CodeGenType != CodeGenObject)
	if err != nil {
		l.diag.Report(diag.ErrCannotOpenOutput, path, err)
		return false
	}

	m.Buf = out.Buf
	for _, w := range m.OutputWriters {
		w.CopyBuf(m)
	}
	l.fl.SyncRelocationResult(m.Buf)

	if err := out.Close(); err != nil {
		l.diag.Report(diag.ErrCannotWriteOutput, path, err)
		return false
	}
	m.Buf = nil
	return l.finish(phaseEmitted)
}

// Link runs every phase in order and stops at the first failing one.
func (l *Linker) Link(inputs []string) bool {
	return l.Emulate() &&
		l.Normalize(inputs) &&
		l.Resolve() &&
		l.Layout() &&
		l.Emit()
}
