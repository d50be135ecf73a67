package judge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxd/sandboxd/internal/apierr"
)

func TestLookupKnownLanguages(t *testing.T) {
	for _, lang := range []string{"javascript", "typescript", "python", "java", "cpp", "c", "go", "rust"} {
		p, err := Lookup(lang)
		require.NoError(t, err)
		assert.Equal(t, lang, string(p.Language))
		assert.NotEmpty(t, p.Run)
	}
}

func TestLookupUnsupportedLanguage(t *testing.T) {
	_, err := Lookup("cobol")
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.UnsupportedLanguage, apiErr.Kind)
}

func TestCompiledLanguagesChainCompileAndRun(t *testing.T) {
	p, err := Lookup("cpp")
	require.NoError(t, err)
	assert.Equal(t, "g++ -std=c++17 -O2 -o main source.cpp && ./main", p.Script())
}

func TestInterpretedLanguagesSkipCompile(t *testing.T) {
	p, err := Lookup("python")
	require.NoError(t, err)
	assert.Equal(t, "python3 source.py", p.Script())
	assert.Empty(t, p.Compile)
}

func TestJavaUsesMainClassFileName(t *testing.T) {
	p, err := Lookup("java")
	require.NoError(t, err)
	assert.Equal(t, "Main.java", p.SourceFileName())
}
