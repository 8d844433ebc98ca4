package linker

type CodeGenType uint8

const (
	CodeGenUnknown CodeGenType = iota
	CodeGenExec
	CodeGenDynObj
	CodeGenObject
)

func (t CodeGenType) String() string {
	switch t {
	case CodeGenExec:
		return "executable"
	case CodeGenDynObj:
		return "shared object"
	case CodeGenObject:
		return "relocatable object"
	}
	return "unknown"
}

type Options struct {
	NoUndefined             bool
	AllowMultipleDefinition bool
	PIE                     bool
	Bsymbolic               bool
	Static                  bool
	ExportDynamic           bool
	StripAll                bool
	Trace                   bool
	Verbose                 bool
	NoRelax                 bool
	ErrorLimit              int
	WarningLimit            int
}

type LinkerConfig struct {
	Output        string
	CodeGenType   CodeGenType
	Machine       MachineType
	Triple        string
	LibraryPaths  []string
	Sysroot       string
	Entry         string
	Soname        string
	DynamicLinker string
	Options       Options
}

func NewLinkerConfig() *LinkerConfig {
	return &LinkerConfig{
		Output: "a.out",
		Entry:  "_start",
	}
}

func (c *LinkerConfig) IsCodeIndep() bool {
	return c.CodeGenType == CodeGenDynObj || (c.CodeGenType == CodeGenExec && c.Options.PIE)
}
