package sandbox

import (
	"fmt"
	"maps"
	"sort"

	"github.com/google/shlex"

	"github.com/isdmx/codejail/config"
)

// Language describes how a code string is turned into a running program
type Language struct {
	Name        string
	Command     []string // interpreter argv; the code file path is appended
	Filename    string
	Image       string // container image for the container path
	Environment map[string]string
}

// Built-in language names
const (
	LanguagePython = "python"
	LanguageNodeJS = "nodejs"
	LanguageShell  = "shell"
)

// DefaultLanguage returns the Python preset
func DefaultLanguage() Language {
	return Language{
		Name:     LanguagePython,
		Command:  []string{"python3", "-I", "-u"},
		Filename: "main.py",
		Image:    "python:3.11-slim",
	}
}

// ShellLanguage returns the POSIX shell preset
func ShellLanguage() Language {
	return Language{
		Name:     LanguageShell,
		Command:  []string{"sh"},
		Filename: "main.sh",
		Image:    "alpine:3.20",
	}
}

// ParseCommand splits an interpreter command line using shell quoting rules
func ParseCommand(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return args, nil
}

// LanguageFromConfig resolves the configured sandbox language
func LanguageFromConfig(cfg *config.Config) (Language, error) {
	name := cfg.Sandbox.Language
	lc, ok := cfg.Languages[name]
	if !ok {
		return Language{}, fmt.Errorf("unsupported language: %s", name)
	}

	command, err := ParseCommand(lc.Command)
	if err != nil {
		return Language{}, fmt.Errorf("languages.%s.command: %w", name, err)
	}

	return Language{
		Name:        name,
		Command:     command,
		Filename:    lc.Filename,
		Image:       lc.Image,
		Environment: maps.Clone(lc.Environment),
	}, nil
}

// environ builds the minimal child environment: PATH, a sandbox-local HOME and
// TMPDIR, then the language variables in a stable order.
func (l Language) environ(sandboxDir string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + sandboxDir,
		"TMPDIR=" + sandboxDir,
		"LANG=C.UTF-8",
	}

	keys := make([]string, 0, len(l.Environment))
	for k := range l.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, l.Environment[k]))
	}
	return env
}
