package linker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	cfg := NewLinkerConfig()
	remaining, err := ParseArgs(cfg, []string{
		"-o", "prog", "-m", "elf_x86_64", "-L/usr/lib/../lib64", "-lc",
		"--entry=main", "-pie", "-z", "defs", "main.o", "--error-limit", "5",
		"--no-relax", "-plugin", "lto.so", "--as-needed",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"-lc", "main.o"}, remaining)
	assert.Equal(t, "prog", cfg.Output)
	assert.Equal(t, MachineTypeX86_64, cfg.Machine)
	assert.Equal(t, []string{"/usr/lib64"}, cfg.LibraryPaths)
	assert.Equal(t, "main", cfg.Entry)
	assert.True(t, cfg.Options.PIE)
	assert.True(t, cfg.Options.NoUndefined)
	assert.True(t, cfg.Options.NoRelax)
	assert.Equal(t, 5, cfg.Options.ErrorLimit)
}

func TestParseArgsOutputKinds(t *testing.T) {
	cfg := NewLinkerConfig()
	_, err := ParseArgs(cfg, []string{"-shared", "-soname", "libx.so.1", "x.o"})
	require.NoError(t, err)
	assert.Equal(t, CodeGenDynObj, cfg.CodeGenType)
	assert.Equal(t, "libx.so.1", cfg.Soname)

	cfg = NewLinkerConfig()
	_, err = ParseArgs(cfg, []string{"-r", "x.o"})
	require.NoError(t, err)
	assert.Equal(t, CodeGenObject, cfg.CodeGenType)
}

func TestParseArgsSysroot(t *testing.T) {
	cfg := NewLinkerConfig()
	_, err := ParseArgs(cfg, []string{"--sysroot=/opt/sr", "-L=/lib", "-L$SYSROOT/usr/lib"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/sr/lib", "/opt/sr/usr/lib"}, cfg.LibraryPaths)
}

func TestParseArgsErrors(t *testing.T) {
	_, err := ParseArgs(NewLinkerConfig(), []string{"--help"})
	assert.ErrorIs(t, err, ErrShowHelp)

	_, err = ParseArgs(NewLinkerConfig(), []string{"-v"})
	assert.ErrorIs(t, err, ErrShowVersion)

	_, err = ParseArgs(NewLinkerConfig(), []string{"--frobnicate"})
	assert.ErrorContains(t, err, "unknown command line option")

	_, err = ParseArgs(NewLinkerConfig(), []string{"-m", "elf_vax"})
	assert.ErrorContains(t, err, "elf_vax")

	_, err = ParseArgs(NewLinkerConfig(), []string{"-o"})
	assert.ErrorContains(t, err, "argument missing")

	_, err = ParseArgs(NewLinkerConfig(), []string{"--error-limit", "many"})
	assert.Error(t, err)
}

func TestExpandResponseFiles(t *testing.T) {
	dir := t.TempDir()
	inner := filepath.Join(dir, "inner.rsp")
	outer := filepath.Join(dir, "outer.rsp")
	require.NoError(t, os.WriteFile(inner, []byte(`-L "/my libs" -lfoo`), 0o644))
	require.NoError(t, os.WriteFile(outer, []byte("-o out\n@"+inner+"\n'a b.o'"), 0o644))

	args, err := ExpandResponseFiles([]string{"-static", "@" + outer})
	require.NoError(t, err)
	assert.Equal(t, []string{"-static", "-o", "out", "-L", "/my libs", "-lfoo", "a b.o"}, args)

	_, err = ExpandResponseFiles([]string{"@" + filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

func TestExpandResponseFilesRecursion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "self.rsp")
	require.NoError(t, os.WriteFile(path, []byte("@"+path), 0o644))

	_, err := ExpandResponseFiles([]string{"@" + path})
	assert.ErrorContains(t, err, "nested too deeply")
}
