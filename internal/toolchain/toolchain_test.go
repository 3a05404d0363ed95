package toolchain

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDumpMacrosParsing(t *testing.T) {
	sample := "#define __GNUC__ 13\n#define __GNUC_MINOR__ 2\n#define __GNUC_PATCHLEVEL__ 0\nnot a define line\n"
	macros := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(sample))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 || fields[0] != "#define" {
			continue
		}
		macros[fields[1]] = fields[2]
	}
	assert.Equal(t, "13", macros["__GNUC__"])
	assert.Equal(t, "2", macros["__GNUC_MINOR__"])
	assert.NotContains(t, macros, "not")
}

func TestCompilerInfoString(t *testing.T) {
	c := CompilerInfo{Name: "g++", Major: 9, Minor: 3, Patchlevel: 1}
	assert.Equal(t, "g++ 9.3.1", c.String())
}

func TestVersionConstantsMatchServer(t *testing.T) {
	assert.Equal(t, 9, MinGCCMajor)
	assert.Equal(t, 3, MinGCCMinor)
	assert.Equal(t, 10, MinClangMajor)
	assert.Equal(t, 0, MinClangMinor)
}
