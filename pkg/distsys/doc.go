// Package distsys implements the small build system that drives chell's
// distribution targets. Task files use Starlark, task commands run through
// mvdan.cc/sh, and the default task list reproduces the classic
// install/sdist/bdist packaging flow around the project's setup script.
package distsys
