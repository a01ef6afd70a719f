package distsys

import (
	"os"
	"strings"
)

// Config holds the values that shape the packaging command lines. Each field
// maps to an environment variable so the commands can be overridden without
// touching the task list.
type Config struct {
	// Python is the interpreter used to run the setup script (PYTHON).
	Python string
	// PyFlags is an optional argument string inserted between the
	// interpreter and the script path (PYFLAGS).
	PyFlags string
	// SetupScript is the path to the packaging script, relative to the
	// project root (SETUP_SCRIPT).
	SetupScript string
}

const (
	defaultPython      = "python"
	defaultSetupScript = "src/build/setup.py"
)

// ConfigFromEnv reads the packaging configuration from the environment,
// falling back to the historic Makefile defaults.
func ConfigFromEnv() Config {
	cfg := Config{
		Python:      os.Getenv("PYTHON"),
		PyFlags:     os.Getenv("PYFLAGS"),
		SetupScript: os.Getenv("SETUP_SCRIPT"),
	}

	if cfg.Python == "" {
		cfg.Python = defaultPython
	}

	if cfg.SetupScript == "" {
		cfg.SetupScript = defaultSetupScript
	}

	return cfg
}

func quoteShellWord(word string) string {
	if strings.ContainsAny(word, " $'\"") {
		return "'" + strings.ReplaceAll(word, "'", `'"'"'`) + "'"
	}

	return word
}

// SetupCommand returns the shell command line that invokes the setup script
// with the given packaging subcommand.
func (c Config) SetupCommand(subcommand string) string {
	parts := []string{quoteShellWord(c.Python)}
	if c.PyFlags != "" {
		// PyFlags is a raw argument string, it is spliced in unquoted
		parts = append(parts, c.PyFlags)
	}

	parts = append(parts, quoteShellWord(c.SetupScript), subcommand)
	return strings.Join(parts, " ")
}

// The placeholder printed by the test target until actual tests exist.
const testPlaceholder = "echo 'test: not implemented'"

// DefaultTasks builds the built-in packaging targets: all, install, build and
// test. install and build depend on test, build runs sdist before bdist and
// all aggregates test and build.
func DefaultTasks(projectRoot string, cfg Config) TaskList {
	testTask := &Task{
		Short: "test",
		Desc:  "run the project test suite (currently a placeholder)",
		Base:  projectRoot,
		Env:   map[string]string{},
		Cmds:  []TaskCmd{TaskCmdScript{TaskName: "test", Content: testPlaceholder}},
	}

	installTask := &Task{
		Short: "install",
		Desc:  "install the project via the setup script",
		Base:  projectRoot,
		Env:   map[string]string{},
		Deps:  []string{"test"},
		Cmds: []TaskCmd{
			TaskCmdScript{TaskName: "install", Content: cfg.SetupCommand("install")},
		},
	}

	buildTask := &Task{
		Short: "build",
		Desc:  "build the source and binary distributions",
		Base:  projectRoot,
		Env:   map[string]string{},
		Deps:  []string{"test"},
		Cmds: []TaskCmd{
			TaskCmdScript{TaskName: "build", Content: cfg.SetupCommand("sdist")},
			TaskCmdScript{TaskName: "build", Content: cfg.SetupCommand("bdist"), Index: 1},
		},
	}

	allTask := &Task{
		Short: "all",
		Desc:  "run the test and build targets",
		Base:  projectRoot,
		Env:   map[string]string{},
		Deps:  []string{"test", "build"},
		Cmds:  []TaskCmd{},
	}

	return TaskList{
		"all":     allTask,
		"install": installTask,
		"build":   buildTask,
		"test":    testTask,
	}
}
