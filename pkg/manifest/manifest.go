// Package manifest loads the build.yaml distribution manifest that describes
// how the project is packaged. The manifest is split into the same sections
// the setup script consumes: project, personnel, description, build,
// build-meta and licensing.
package manifest

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Filename is the expected name of the distribution manifest.
const Filename = "build.yaml"

// RequirementsFile lists the project dependencies merged into the install
// requirements. It is expected at the project root.
const RequirementsFile = "requirements.txt"

// ErrNotFound is returned when no manifest exists in any of the candidate
// locations.
var ErrNotFound = eris.New("no build.yaml manifest found")

type ProjectSection struct {
	Name            string            `yaml:"name,omitempty" json:"name,omitempty"`
	URL             string            `yaml:"url,omitempty" json:"url,omitempty"`
	DownloadURL     string            `yaml:"download_url,omitempty" json:"download_url,omitempty"`
	ProjectURLs     []string          `yaml:"project_urls,omitempty" json:"project_urls,omitempty"`
	EntryPoints     map[string]string `yaml:"entry_points,omitempty" json:"entry_points,omitempty"`
	InstallRequires []string          `yaml:"install_requires,omitempty" json:"install_requires,omitempty"`
	PythonRequires  string            `yaml:"python_requires,omitempty" json:"python_requires,omitempty"`
}

type PersonnelSection struct {
	Author          string `yaml:"author,omitempty" json:"author,omitempty"`
	AuthorEmail     string `yaml:"author_email,omitempty" json:"author_email,omitempty"`
	Maintainer      string `yaml:"maintainer,omitempty" json:"maintainer,omitempty"`
	MaintainerEmail string `yaml:"maintainer_email,omitempty" json:"maintainer_email,omitempty"`
}

type DescriptionSection struct {
	Description     string `yaml:"description,omitempty" json:"description,omitempty"`
	LongDescription string `yaml:"long_description,omitempty" json:"long_description,omitempty"`
	ContentType     string `yaml:"long_description_content_type,omitempty" json:"long_description_content_type,omitempty"`
}

type BuildSection struct {
	Version            string              `yaml:"version,omitempty" json:"version,omitempty"`
	Scripts            []string            `yaml:"scripts,omitempty" json:"scripts,omitempty"`
	Packages           []string            `yaml:"packages,omitempty" json:"packages,omitempty"`
	PackageDir         map[string]string   `yaml:"package_dir,omitempty" json:"package_dir,omitempty"`
	PackageData        map[string][]string `yaml:"package_data,omitempty" json:"package_data,omitempty"`
	PyModules          []string            `yaml:"py_modules,omitempty" json:"py_modules,omitempty"`
	ExtPackage         string              `yaml:"ext_package,omitempty" json:"ext_package,omitempty"`
	IncludePackageData bool                `yaml:"include_package_data,omitempty" json:"include_package_data,omitempty"`
	NamespacePackages  []string            `yaml:"namespace_packages,omitempty" json:"namespace_packages,omitempty"`
}

type BuildMetaSection struct {
	Classifiers []string `yaml:"classifiers,omitempty" json:"classifiers,omitempty"`
	Keywords    []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Platforms   []string `yaml:"platforms,omitempty" json:"platforms,omitempty"`
	ZipSafe     bool     `yaml:"zip_safe,omitempty" json:"zip_safe,omitempty"`
}

type LicensingSection struct {
	License      string   `yaml:"license,omitempty" json:"license,omitempty"`
	LicenseFiles []string `yaml:"license_files,omitempty" json:"license_files,omitempty"`
}

// Manifest is the parsed build.yaml document.
type Manifest struct {
	Project     ProjectSection     `yaml:"project" json:"project"`
	Personnel   PersonnelSection   `yaml:"personnel" json:"personnel"`
	Description DescriptionSection `yaml:"description" json:"description"`
	Build       BuildSection       `yaml:"build" json:"build"`
	BuildMeta   BuildMetaSection   `yaml:"build-meta" json:"build-meta"`
	Licensing   LicensingSection   `yaml:"licensing" json:"licensing"`
}

// Locate searches for the manifest next to the setup script and up to two
// levels above it, matching the script's own search order.
func Locate(setupScript string) (string, error) {
	scriptDir := filepath.Dir(setupScript)
	candidates := []string{
		filepath.Join(scriptDir, Filename),
		filepath.Join(scriptDir, "..", Filename),
		filepath.Join(scriptDir, "..", "..", Filename),
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && info.Mode().IsRegular() {
			return filepath.Clean(candidate), nil
		}

		if err != nil && !eris.Is(err, os.ErrNotExist) {
			return "", eris.Wrapf(err, "failed to check %s", candidate)
		}
	}

	return "", ErrNotFound
}

// Load reads, validates and parses the manifest at the given path.
func Load(path string) (*Manifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", path)
	}

	err = Validate(content)
	if err != nil {
		return nil, eris.Wrapf(err, "%s is not a valid manifest", path)
	}

	var result Manifest
	err = yaml.Unmarshal(content, &result)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse %s", path)
	}

	return &result, nil
}

// Requirements merges the manifest's install requirements with the entries
// from requirements.txt at the project root. The result is sorted and free
// of duplicates. A missing requirements file is not an error.
func (m *Manifest) Requirements(projectRoot string) ([]string, error) {
	merged := make(map[string]struct{})
	for _, entry := range m.Project.InstallRequires {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			merged[entry] = struct{}{}
		}
	}

	content, err := os.ReadFile(filepath.Join(projectRoot, RequirementsFile))
	if err != nil && !eris.Is(err, os.ErrNotExist) {
		return nil, eris.Wrap(err, "failed to read requirements")
	}

	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		merged[line] = struct{}{}
	}

	result := make([]string, 0, len(merged))
	for entry := range merged {
		result = append(result, entry)
	}

	sort.Strings(result)
	return result, nil
}
