package linker

// CodePosition says how position dependent the output may be. It decides
// whether GOT and PLT entries and dynamic relocations are needed.
type CodePosition uint8

const (
	CodePositionUnknown CodePosition = iota
	Independent
	StaticDependent
	DynamicDependent
)

func (c CodePosition) String() string {
	switch c {
	case Independent:
		return "Independent"
	case StaticDependent:
		return "StaticDependent"
	case DynamicDependent:
		return "DynamicDependent"
	}
	return "Unknown"
}

// DecideCodePosition classifies the output. Static executables can not
// resolve anything at run time, so they also turn on NoUndefined.
func DecideCodePosition(cfg *LinkerConfig, numSharedFiles int) CodePosition {
	if cfg.IsCodeIndep() {
		return Independent
	}
	if numSharedFiles == 0 {
		if cfg.CodeGenType == CodeGenExec {
			cfg.Options.NoUndefined = true
		}
		return StaticDependent
	}
	return DynamicDependent
}
