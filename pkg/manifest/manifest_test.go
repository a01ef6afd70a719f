package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validManifest = `
project:
  name: chell
  url: https://example.org/chell
  install_requires:
    - pyyaml
personnel:
  author: Keenan Wilkinson
description:
  description: A toy shell.
  long_description_content_type: text/markdown
build:
  version: 0.1.0
  packages:
    - chell
build-meta:
  classifiers:
    - "Programming Language :: Python :: 3"
licensing:
  license: MIT
`

func writeManifest(t *testing.T, dir, content string) string {
	t.Helper()

	path := filepath.Join(dir, Filename)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadValidManifest(t *testing.T) {
	path := writeManifest(t, t.TempDir(), validManifest)

	parsed, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "chell", parsed.Project.Name)
	assert.Equal(t, "Keenan Wilkinson", parsed.Personnel.Author)
	assert.Equal(t, "0.1.0", parsed.Build.Version)
	assert.Equal(t, "MIT", parsed.Licensing.License)
	assert.Equal(t, []string{"chell"}, parsed.Build.Packages)
}

func TestLoadMissingManifest(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), Filename))
	require.Error(t, err)
}

func TestLoadRejectsMissingSections(t *testing.T) {
	path := writeManifest(t, t.TempDir(), `
project:
  name: chell
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsWrongTypes(t *testing.T) {
	// version has to be a string
	path := writeManifest(t, t.TempDir(), `
project:
  name: chell
personnel:
description:
build:
  version: 0.1
build-meta:
licensing:
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeManifest(t, t.TempDir(), `
project:
  name: chell
  shiny: very
personnel:
description:
build:
build-meta:
licensing:
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadAllowsEmptySections(t *testing.T) {
	path := writeManifest(t, t.TempDir(), `
project:
personnel:
description:
build:
build-meta:
licensing:
`)

	_, err := Load(path)
	assert.NoError(t, err)
}

func TestLocate(t *testing.T) {
	root := t.TempDir()
	scriptDir := filepath.Join(root, "src", "build")
	require.NoError(t, os.MkdirAll(scriptDir, 0770))

	setupScript := filepath.Join(scriptDir, "setup.py")

	// no manifest anywhere
	_, err := Locate(setupScript)
	require.ErrorIs(t, err, ErrNotFound)

	// manifest two levels above the script wins when it's the only one
	rootManifest := writeManifest(t, root, validManifest)
	found, err := Locate(setupScript)
	require.NoError(t, err)
	assert.Equal(t, rootManifest, found)

	// a manifest next to the script takes precedence
	nearManifest := writeManifest(t, scriptDir, validManifest)
	found, err = Locate(setupScript)
	require.NoError(t, err)
	assert.Equal(t, nearManifest, found)
}

func TestRequirementsMerge(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, RequirementsFile), []byte(`
pyyaml
rich>=12.0
# a comment

pyyaml
`), 0600))

	m := &Manifest{}
	m.Project.InstallRequires = []string{"pyyaml", "click"}

	requirements, err := m.Requirements(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"click", "pyyaml", "rich>=12.0"}, requirements)
}

func TestRequirementsWithoutFile(t *testing.T) {
	m := &Manifest{}
	m.Project.InstallRequires = []string{"pyyaml"}

	requirements, err := m.Requirements(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"pyyaml"}, requirements)
}
