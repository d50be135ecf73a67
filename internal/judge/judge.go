// Package judge implements the closed language table for
// SandboxManager.execute (spec.md §4.6 and §9's "represent as a closed sum
// type" design note). It only shapes the command line run inside the
// one-shot execute container; the isolate-grade sandboxing driver itself is
// out of scope (spec.md §1 Non-goals).
package judge

import (
	"fmt"

	"github.com/sandboxd/sandboxd/internal/apierr"
)

// Language identifies one of the closed set of supported execute languages.
type Language string

const (
	JavaScript Language = "javascript"
	TypeScript Language = "typescript"
	Python     Language = "python"
	Java       Language = "java"
	Cpp        Language = "cpp"
	C          Language = "c"
	Go         Language = "go"
	Rust       Language = "rust"
)

// Profile is one variant of the closed sum type: the source file extension,
// an optional compile step, and the run command. Both Compile and Run are
// executed as `sh -c <string>` inside the execute container's working
// directory, where the source has already been written under
// SourceFileName() ("source.<Ext>", or "Main.java" for Java).
type Profile struct {
	Language Language
	Ext      string
	Compile  string // empty when no compile step precedes run
	Run      string
}

var table = map[Language]Profile{
	JavaScript: {Language: JavaScript, Ext: "js", Run: "node source.js"},
	TypeScript: {Language: TypeScript, Ext: "ts", Run: "ts-node source.ts"},
	Python:     {Language: Python, Ext: "py", Run: "python3 source.py"},
	Java: {
		Language: Java, Ext: "java",
		Compile: "javac Main.java",
		Run:     "java Main",
	},
	Cpp: {
		Language: Cpp, Ext: "cpp",
		Compile: "g++ -std=c++17 -O2 -o main source.cpp",
		Run:     "./main",
	},
	C: {
		Language: C, Ext: "c",
		Compile: "gcc -O2 -o main source.c",
		Run:     "./main",
	},
	Go:   {Language: Go, Ext: "go", Run: "go run source.go"},
	Rust: {
		Language: Rust, Ext: "rs",
		Compile: "rustc -O -o main source.rs",
		Run:     "./main",
	},
}

// Lookup resolves a language name to its Profile, or UnsupportedLanguage if
// it is not one of the closed set.
func Lookup(language string) (Profile, error) {
	p, ok := table[Language(language)]
	if !ok {
		return Profile{}, apierr.New(apierr.UnsupportedLanguage, fmt.Sprintf("unsupported language %q", language))
	}
	return p, nil
}

// SourceFileName is the filename the execute runner writes the submitted
// code to before running Profile's Compile/Run steps.
func (p Profile) SourceFileName() string {
	name := "source." + p.Ext
	if p.Language == Java {
		name = "Main.java"
	}
	return name
}

// Script builds the compile-then-run command line: the compile step (if
// any) joined to the run command with `&&`, so a compile failure skips the
// run. It does not write the source file; writing the source and exit code
// handling live in sandboxmgr, whose execute path composes its own script
// from Compile and Run rather than calling Script.
func (p Profile) Script() string {
	if p.Compile == "" {
		return p.Run
	}
	return p.Compile + " && " + p.Run
}
