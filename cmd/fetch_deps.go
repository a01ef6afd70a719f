package cmd

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/ulikunitz/xz"
	"gopkg.in/yaml.v3"

	"github.com/WilkinsonK/Chell/pkg"
)

// prereqSpec describes one downloadable build prerequisite from DEPS.yml,
// usually a pinned interpreter or packaging tool archive.
type prereqSpec struct {
	Condition  string `yaml:"if,omitempty"`
	Rejections string `yaml:"ifNot,omitempty"`
	URL        string
	Dest       string
	Sha256     string
	Strip      int
	MarkExec   []string `yaml:"markExec,omitempty"`
}

type prereqConfig struct {
	Vars map[string]string
	Deps map[string]prereqSpec
}

const depsFilename = "DEPS.yml"
const stampsFilename = ".dep-stamps.json"

var fetchDepsCmd = &cobra.Command{
	Use:   "fetch-deps",
	Short: "Downloads and unpacks build prerequisites",
	Long:  `Downloads and unpacks the build prerequisites listed in DEPS.yml at the project root.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pkg.PrintTask("Loading config")
		root, err := pkg.GetProjectRoot()
		if err != nil {
			return err
		}

		cfg, cfgData, stamps, err := getPrereqConfig(root)
		if err != nil {
			return err
		}

		pkg.PrintTask("Downloading prerequisites")
		err = downloadAndExtract(cmd, cfg, cfgData, stamps, root)

		stampPath := filepath.Join(root, stampsFilename)
		stampData, jErr := json.Marshal(stamps)
		if jErr != nil {
			pkg.PrintError(jErr.Error())
		}

		jErr = os.WriteFile(stampPath, stampData, os.FileMode(0660))
		if jErr != nil {
			pkg.PrintError(jErr.Error())
		}

		pkg.PrintTask("Done")

		return err
	},
}

func init() {
	rootCmd.AddCommand(fetchDepsCmd)
	fetchDepsCmd.Flags().BoolP("update", "u", false, "Update checksums")
}

func getProgressBar(length int64, desc string) *progressbar.ProgressBar {
	if os.Getenv("CI") == "true" {
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.DefaultBytes(length, desc)
}

func getPrereqConfig(projectRoot string) (prereqConfig, string, map[string]string, error) {
	var cfg prereqConfig
	cfgPath := filepath.Join(projectRoot, depsFilename)
	cfgData, err := os.ReadFile(cfgPath)
	if err != nil {
		return cfg, "", nil, eris.Wrapf(err, "Could not open file %s.", cfgPath)
	}

	err = yaml.Unmarshal(cfgData, &cfg)
	if err != nil {
		return cfg, "", nil, eris.Wrapf(err, "Failed to parse %s.", cfgPath)
	}

	stamps := map[string]string{}
	stampPath := filepath.Join(projectRoot, stampsFilename)
	stampData, err := os.ReadFile(stampPath)
	if err != nil {
		if !eris.Is(err, os.ErrNotExist) {
			return cfg, "", nil, eris.Wrapf(err, "Failed to read stamps file %s.", stampPath)
		}
	} else {
		err = json.Unmarshal(stampData, &stamps)
		if err != nil {
			return cfg, "", nil, eris.Wrapf(err, "Failed to parse JSON file %s.", stampPath)
		}
	}

	return cfg, string(cfgData), stamps, nil
}

var placeholderMatcher = regexp.MustCompile(`\{([A-Z0-9_]+)\}`)

// evalConditions expands the variable placeholders in the entry's URL and
// reports whether the entry applies to the current configuration.
func evalConditions(meta *prereqSpec, vars map[string]string) bool {
	meta.URL = placeholderMatcher.ReplaceAllStringFunc(meta.URL, func(varName string) string {
		value, ok := vars[varName[1:len(varName)-1]]
		if ok {
			return value
		}
		return ""
	})

	for _, condition := range strings.Split(meta.Condition, ",") {
		if condition == "" {
			continue
		}

		value, ok := vars[strings.TrimSpace(condition)]
		if !ok || value == "" {
			return false
		}
	}

	for _, condition := range strings.Split(meta.Rejections, ",") {
		if condition == "" {
			continue
		}

		value, ok := vars[strings.TrimSpace(condition)]
		if ok && value != "" {
			return false
		}
	}
	return true
}

func downloadAndExtract(cmd *cobra.Command, cfg prereqConfig, cfgData string, stamps map[string]string, projectRoot string) error {
	client := &http.Client{
		Timeout: time.Minute * 30,
	}

	update, err := cmd.Flags().GetBool("update")
	if err != nil {
		return err
	}

	vars := cfg.Vars
	if vars == nil {
		vars = map[string]string{}
	}
	vars[runtime.GOARCH] = "true"
	vars[runtime.GOOS] = "true"
	if os.Getenv("CI") == "true" {
		vars["ci"] = "true"
	}

	changes := map[string]string{}

	for name, meta := range cfg.Deps {
		// The conditions run even in update mode because they expand the URL placeholders.
		skip := !evalConditions(&meta, vars)
		if skip && !update {
			continue
		}

		_, err := os.Stat(filepath.Join(projectRoot, meta.Dest))
		destExists := err == nil

		stampToken := meta.URL + "#" + meta.Sha256
		if stamp, ok := stamps[name]; ok && stampToken == stamp && destExists {
			continue
		}

		pkg.PrintSubtask(name + ":  " + meta.URL)
		if meta.Sha256 == "" && !update {
			return eris.Errorf("Prerequisite %s doesn't have a checksum", name)
		}

		digest, err := fetchPrereq(client, name, meta, projectRoot, !skip, update)
		if err != nil {
			return err
		}

		if digest != meta.Sha256 && update {
			fmt.Println("      Updating checksum")
			changes[name] = digest
		}

		if skip {
			continue
		}

		stamps[name] = stampToken
	}

	if update && len(changes) > 0 {
		pkg.PrintTask("Updating " + depsFilename)
		generated := cfgData
		for name, newChecksum := range changes {
			pos := strings.Index(generated, name+":\n")
			if pos == -1 {
				return eris.Errorf("Failed to find the section for %s!", name)
			}

			subPos := strings.Index(generated[pos:], "sha256: "+cfg.Deps[name].Sha256)
			if subPos == -1 || cfg.Deps[name].Sha256 == "" {
				start := pos + len(name) + 2
				generated = generated[:start] + "    sha256: " + newChecksum + "\n" + generated[start:]
			} else {
				start := pos + subPos + 8
				end := start + len(cfg.Deps[name].Sha256)
				generated = generated[:start] + newChecksum + generated[end:]
			}
		}

		err = os.WriteFile(filepath.Join(projectRoot, depsFilename), []byte(generated), os.FileMode(0660))
		if err != nil {
			return eris.Wrapf(err, "Failed to update %s", depsFilename)
		}
	}

	return nil
}

// fetchPrereq downloads the entry's archive into a temporary file, checks its
// sha256 and unpacks it into the entry's dest. When extract is false only the
// download and checksum happen; allowMismatch turns a checksum failure into a
// reported digest instead of an error (--update mode).
func fetchPrereq(client *http.Client, name string, meta prereqSpec, projectRoot string, extract, allowMismatch bool) (string, error) {
	arHandle, err := os.CreateTemp(projectRoot, "deps_dl")
	if err != nil {
		return "", eris.Wrap(err, "Failed to create temporary download file")
	}
	defer func() {
		arHandle.Close()
		os.Remove(arHandle.Name())
	}()

	resp, err := client.Get(meta.URL)
	if err != nil {
		return "", eris.Wrapf(err, "Failed to start download for %s", meta.URL)
	}
	defer resp.Body.Close()

	hash := sha256.New()
	bar := getProgressBar(resp.ContentLength, "     download")
	_, err = io.Copy(io.MultiWriter(arHandle, hash, bar), resp.Body)
	bar.Finish()
	if err != nil {
		return "", eris.Wrapf(err, "Failed during download of %s", meta.URL)
	}

	digest := hex.EncodeToString(hash.Sum(nil))
	if digest != meta.Sha256 && !allowMismatch {
		return digest, eris.Errorf("Checksum mismatch for %s: got %s, want %s", name, digest, meta.Sha256)
	}

	if !extract {
		return digest, nil
	}

	destPath := filepath.Join(projectRoot, meta.Dest)
	if info, err := os.Stat(destPath); err == nil {
		pkg.PrintSubtask(fmt.Sprintf("Remove %s", destPath))
		if info.IsDir() {
			err = os.RemoveAll(destPath)
		} else {
			err = os.Remove(destPath)
		}
		if err != nil {
			return digest, err
		}
	}

	extractor, err := getExtractor(meta.URL)
	if err != nil {
		return digest, err
	}

	if _, err = arHandle.Seek(0, io.SeekStart); err != nil {
		return digest, eris.Wrap(err, "Failed to rewind the downloaded archive")
	}

	bar = getProgressBar(resp.ContentLength, "      extract")
	err = extractor(arHandle, bar, projectRoot, name, meta)
	if err != nil {
		return digest, err
	}

	return digest, markExecutables(projectRoot, meta)
}

func markExecutables(projectRoot string, meta prereqSpec) error {
	if runtime.GOOS == "windows" {
		return nil
	}

	// .zip files don't carry permissions so binaries extracted from them need a fixup
	for _, binPath := range meta.MarkExec {
		binPath = filepath.Join(projectRoot, meta.Dest, binPath)
		fi, err := os.Stat(binPath)
		if err != nil {
			return eris.Wrapf(err, "Failed to read permissions for %s", binPath)
		}

		err = os.Chmod(binPath, fi.Mode()|0700)
		if err != nil {
			return eris.Wrapf(err, "Failed to mark %s as executable", binPath)
		}
	}

	return nil
}

type archiveExtractor func(*os.File, *progressbar.ProgressBar, string, string, prereqSpec) error

func openExtractorDest(destPath string, item string, ds prereqSpec) (*os.File, string, error) {
	// normalize the path and strip ds.strip elements from the beginning
	pathParts := strings.Split(filepath.Clean(item), string(filepath.Separator))
	dest := filepath.Join(destPath, strings.Join(pathParts[ds.Strip:], string(filepath.Separator)))

	if dest == destPath {
		return nil, "/", nil
	}

	destParent := filepath.Dir(dest)
	err := os.MkdirAll(destParent, os.FileMode(0770))
	if err != nil {
		return nil, "", eris.Wrapf(err, "Failed to create directory %s", destParent)
	}

	destHandle, err := os.Create(dest)
	if err != nil {
		return nil, "", eris.Wrapf(err, "Failed to create file %s", dest)
	}

	return destHandle, dest, nil
}

func getExtractor(url string) (archiveExtractor, error) {
	if strings.HasSuffix(url, ".zip") {
		return extractZip, nil
	}

	if strings.HasSuffix(url, ".tar.gz") {
		return func(f *os.File, bar *progressbar.ProgressBar, projectRoot string, name string, ds prereqSpec) error {
			reader, err := gzip.NewReader(f)
			if err != nil {
				return err
			}
			defer reader.Close()

			return extractTar(reader, f, bar, projectRoot, name, ds)
		}, nil
	}

	if strings.HasSuffix(url, ".tar.xz") {
		return func(f *os.File, bar *progressbar.ProgressBar, projectRoot, name string, ds prereqSpec) error {
			reader, err := xz.NewReader(f)
			if err != nil {
				return err
			}

			return extractTar(reader, f, bar, projectRoot, name, ds)
		}, nil
	}

	return nil, eris.New("Archive format not supported")
}

func extractZip(f *os.File, bar *progressbar.ProgressBar, projectRoot string, name string, ds prereqSpec) error {
	stat, err := f.Stat()
	if err != nil {
		return err
	}

	archive, err := zip.NewReader(f, stat.Size())
	if err != nil {
		return err
	}

	destPath := filepath.Join(projectRoot, ds.Dest)
	for _, item := range archive.File {
		if strings.HasSuffix(item.Name, "/") {
			continue
		}

		destHandle, dest, err := openExtractorDest(destPath, item.Name, ds)
		if err != nil {
			return err
		}

		if destHandle == nil {
			continue
		}

		itemHandle, err := item.Open()
		if err != nil {
			destHandle.Close()
			return eris.Wrap(err, "Failed to open archive entry")
		}

		_, err = io.Copy(destHandle, itemHandle)
		itemHandle.Close()
		destHandle.Close()
		if err != nil {
			return eris.Wrapf(err, "Failed to write extracted file %s", dest)
		}

		if pos, err := f.Seek(0, io.SeekCurrent); err == nil {
			bar.Set64(pos)
		}
	}

	return nil
}

func extractTar(r io.Reader, f *os.File, bar *progressbar.ProgressBar, projectRoot string, name string, ds prereqSpec) error {
	archive := tar.NewReader(r)
	destPath := filepath.Join(projectRoot, ds.Dest)

	for {
		item, err := archive.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			return eris.Wrap(err, "Failed to read archive entry")
		}

		fi := item.FileInfo()
		if fi.IsDir() {
			continue
		}

		destHandle, dest, err := openExtractorDest(destPath, item.Name, ds)
		if err != nil {
			return err
		}

		if destHandle == nil {
			continue
		}

		if item.Typeflag == tar.TypeSymlink {
			destHandle.Close()
			err := os.Remove(dest)
			if err != nil {
				return eris.Wrapf(err, "Failed to remove placeholder file %s", dest)
			}

			err = os.Symlink(item.Linkname, dest)
			if err != nil {
				return eris.Wrapf(err, "Failed to create symlink %s pointing to %s", dest, item.Linkname)
			}
			continue
		}

		_, err = io.Copy(destHandle, archive)
		destHandle.Close()
		if err != nil {
			return eris.Wrapf(err, "Failed to write extracted file %s", dest)
		}

		os.Chmod(dest, fi.Mode())

		if pos, err := f.Seek(0, io.SeekCurrent); err == nil {
			bar.Set64(pos)
		}
	}

	return nil
}
