package sandbox

import (
	"fmt"
	"strings"
)

// languageImages maps a task language to the container image its tests
// run in. Pinned slim images keep pull time and attack surface down.
//
//nolint:gochecknoglobals // Static image table
var languageImages = map[string]string{
	"python":     "python:3.9-slim",
	"javascript": "node:18-slim",
	"typescript": "node:18-slim",
	"java":       "openjdk:11-slim",
	"go":         "golang:1.21-alpine",
	"rust":       "rust:slim",
	"ruby":       "ruby:3.1-slim",
	"php":        "php:8.1-cli",
}

// defaultFilenames is the patch filename used when the generated patch
// does not name one.
//
//nolint:gochecknoglobals // Static filename table
var defaultFilenames = map[string]string{
	"python":     "solution.py",
	"javascript": "solution.js",
	"typescript": "solution.ts",
	"java":       "Solution.java",
	"go":         "solution.go",
	"rust":       "solution.rs",
	"ruby":       "solution.rb",
	"php":        "solution.php",
}

// ImageFor returns the container image for a language.
func ImageFor(language string) (string, error) {
	image, ok := languageImages[strings.ToLower(language)]
	if !ok {
		return "", fmt.Errorf("no sandbox image for language %q", language)
	}
	return image, nil
}

// DefaultFilename returns the fallback patch filename for a language.
func DefaultFilename(language string) string {
	if name, ok := defaultFilenames[strings.ToLower(language)]; ok {
		return name
	}
	return "solution.txt"
}

// defaultRunCommand returns the command used when a task carries no test
// command of its own: it executes the patched file directly.
func defaultRunCommand(language, filename string) []string {
	switch strings.ToLower(language) {
	case "python":
		return []string{"python", filename}
	case "javascript":
		return []string{"node", filename}
	case "typescript":
		return []string{"sh", "-c", fmt.Sprintf("npx -y ts-node %s", filename)}
	case "java":
		class := strings.TrimSuffix(filename, ".java")
		return []string{"sh", "-c", fmt.Sprintf("javac %s && java %s", filename, class)}
	case "go":
		return []string{"go", "run", filename}
	case "rust":
		return []string{"sh", "-c", fmt.Sprintf("rustc %s -o /tmp/solution && /tmp/solution", filename)}
	case "ruby":
		return []string{"ruby", filename}
	case "php":
		return []string{"php", filename}
	default:
		return []string{"cat", filename}
	}
}

// TestCommand returns the sandbox command for a task: the user-supplied
// test command when present, otherwise a direct run of the patched file.
func TestCommand(language, filename, testCommand string) []string {
	if strings.TrimSpace(testCommand) != "" {
		return []string{"sh", "-c", testCommand}
	}
	return defaultRunCommand(language, filename)
}
