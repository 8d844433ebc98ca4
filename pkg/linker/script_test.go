package linker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScript(t *testing.T) {
	script, err := ParseScript(`/* GNU ld script */
OUTPUT_FORMAT(elf64-x86-64)
SEARCH_DIR("/usr/lib64")
GROUP ( /lib64/libc.so.6 /usr/lib64/libc_nonshared.a  AS_NEEDED ( /lib64/ld-linux-x86-64.so.2 ) )
`)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/lib64/libc.so.6",
		"/usr/lib64/libc_nonshared.a",
		"/lib64/ld-linux-x86-64.so.2",
	}, script.Inputs)
	assert.Equal(t, []string{"/usr/lib64"}, script.SearchDirs)
}

func TestParseScriptErrors(t *testing.T) {
	_, err := ParseScript("SECTIONS { .text : { *(.text) } }")
	assert.ErrorIs(t, err, ErrUnsupportedScript)

	_, err = ParseScript("INPUT ( a.o")
	assert.ErrorContains(t, err, "unterminated")

	_, err = ParseScript("/* never closed")
	assert.Error(t, err)
}
