package cmd

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalConditions(t *testing.T) {
	vars := map[string]string{"linux": "true", "PYTHON_VERSION": "3.11.4"}

	tests := []struct {
		name string
		spec prereqSpec
		want bool
		url  string
	}{
		{
			"no conditions",
			prereqSpec{URL: "https://example.org/python.tar.gz"},
			true,
			"https://example.org/python.tar.gz",
		},
		{
			"placeholder expansion",
			prereqSpec{URL: "https://example.org/python-{PYTHON_VERSION}.tar.gz"},
			true,
			"https://example.org/python-3.11.4.tar.gz",
		},
		{
			"unknown placeholder becomes empty",
			prereqSpec{URL: "https://example.org/{NOPE}.tar.gz"},
			true,
			"https://example.org/.tar.gz",
		},
		{
			"condition met",
			prereqSpec{URL: "u", Condition: "linux"},
			true,
			"u",
		},
		{
			"condition unmet",
			prereqSpec{URL: "u", Condition: "windows"},
			false,
			"u",
		},
		{
			"all conditions have to hold",
			prereqSpec{URL: "u", Condition: "linux, windows"},
			false,
			"u",
		},
		{
			"rejection hit",
			prereqSpec{URL: "u", Rejections: "linux"},
			false,
			"u",
		},
		{
			"rejection miss",
			prereqSpec{URL: "u", Rejections: "windows"},
			true,
			"u",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			spec := tc.spec
			assert.Equal(t, tc.want, evalConditions(&spec, vars))
			assert.Equal(t, tc.url, spec.URL)
		})
	}
}

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()

	buf := bytes.Buffer{}
	gzWriter := gzip.NewWriter(&buf)
	tarWriter := tar.NewWriter(gzWriter)

	for name, content := range files {
		err := tarWriter.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(content)),
		})
		require.NoError(t, err)

		_, err = tarWriter.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, tarWriter.Close())
	require.NoError(t, gzWriter.Close())
	return buf.Bytes()
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()

	buf := bytes.Buffer{}
	zipWriter := zip.NewWriter(&buf)

	for name, content := range files {
		handle, err := zipWriter.Create(name)
		require.NoError(t, err)

		_, err = handle.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, zipWriter.Close())
	return buf.Bytes()
}

func serveArchive(t *testing.T, payload []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	hits := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(payload)
	}))
	t.Cleanup(server.Close)

	return server, hits
}

func fetchDepsTestCmd(t *testing.T, update bool) *cobra.Command {
	t.Helper()

	cmd := &cobra.Command{}
	cmd.Flags().BoolP("update", "u", false, "Update checksums")
	if update {
		require.NoError(t, cmd.Flags().Set("update", "true"))
	}

	return cmd
}

func checksum(payload []byte) string {
	digest := sha256.Sum256(payload)
	return hex.EncodeToString(digest[:])
}

func TestDownloadAndExtractTarGz(t *testing.T) {
	t.Setenv("CI", "true")

	payload := buildTarGz(t, map[string]string{
		"python-dist/bin/python":  "#!/bin/sh\n",
		"python-dist/lib/site.py": "print('site')\n",
	})
	server, _ := serveArchive(t, payload)

	root := t.TempDir()
	cfg := prereqConfig{
		Vars: map[string]string{"always": "true"},
		Deps: map[string]prereqSpec{
			"python": {
				Condition: "always",
				URL:       server.URL + "/python.tar.gz",
				Dest:      "third_party/python",
				Sha256:    checksum(payload),
				Strip:     1,
				MarkExec:  []string{"bin/python"},
			},
		},
	}

	stamps := map[string]string{}
	require.NoError(t, downloadAndExtract(fetchDepsTestCmd(t, false), cfg, "", stamps, root))

	// strip: 1 drops the python-dist/ prefix
	content, err := os.ReadFile(filepath.Join(root, "third_party", "python", "lib", "site.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('site')\n", string(content))

	info, err := os.Stat(filepath.Join(root, "third_party", "python", "bin", "python"))
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		assert.NotZero(t, info.Mode()&0100)
	}

	assert.Equal(t, cfg.Deps["python"].URL+"#"+cfg.Deps["python"].Sha256, stamps["python"])

	leftovers, err := filepath.Glob(filepath.Join(root, "deps_dl*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestDownloadAndExtractZip(t *testing.T) {
	t.Setenv("CI", "true")

	payload := buildZip(t, map[string]string{
		"tool/bin/run":      "binary\n",
		"tool/share/README": "docs\n",
	})
	server, _ := serveArchive(t, payload)

	root := t.TempDir()
	cfg := prereqConfig{
		Deps: map[string]prereqSpec{
			"tool": {
				URL:    server.URL + "/tool.zip",
				Dest:   "third_party/tool",
				Sha256: checksum(payload),
			},
		},
	}

	require.NoError(t, downloadAndExtract(fetchDepsTestCmd(t, false), cfg, "", map[string]string{}, root))

	content, err := os.ReadFile(filepath.Join(root, "third_party", "tool", "tool", "bin", "run"))
	require.NoError(t, err)
	assert.Equal(t, "binary\n", string(content))
}

func TestDownloadAndExtractStampSkipsFreshDeps(t *testing.T) {
	t.Setenv("CI", "true")

	payload := buildTarGz(t, map[string]string{"dist/file": "content\n"})
	server, hits := serveArchive(t, payload)

	root := t.TempDir()
	cfg := prereqConfig{
		Deps: map[string]prereqSpec{
			"dep": {
				URL:    server.URL + "/dep.tar.gz",
				Dest:   "third_party/dep",
				Sha256: checksum(payload),
				Strip:  1,
			},
		},
	}

	stamps := map[string]string{}
	require.NoError(t, downloadAndExtract(fetchDepsTestCmd(t, false), cfg, "", stamps, root))
	require.NoError(t, downloadAndExtract(fetchDepsTestCmd(t, false), cfg, "", stamps, root))

	assert.EqualValues(t, 1, hits.Load())
}

func TestDownloadAndExtractChecksumMismatch(t *testing.T) {
	t.Setenv("CI", "true")

	payload := buildTarGz(t, map[string]string{"dist/file": "content\n"})
	server, _ := serveArchive(t, payload)

	root := t.TempDir()
	cfg := prereqConfig{
		Deps: map[string]prereqSpec{
			"dep": {
				URL:    server.URL + "/dep.tar.gz",
				Dest:   "third_party/dep",
				Sha256: strings.Repeat("0", 64),
			},
		},
	}

	err := downloadAndExtract(fetchDepsTestCmd(t, false), cfg, "", map[string]string{}, root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Checksum mismatch")

	_, err = os.Stat(filepath.Join(root, "third_party", "dep"))
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadAndExtractMissingChecksum(t *testing.T) {
	t.Setenv("CI", "true")

	root := t.TempDir()
	cfg := prereqConfig{
		Deps: map[string]prereqSpec{
			"dep": {
				URL:  "https://example.invalid/dep.tar.gz",
				Dest: "third_party/dep",
			},
		},
	}

	err := downloadAndExtract(fetchDepsTestCmd(t, false), cfg, "", map[string]string{}, root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "doesn't have a checksum")
}

func TestDownloadAndExtractUpdateRewritesChecksum(t *testing.T) {
	t.Setenv("CI", "true")

	payload := buildTarGz(t, map[string]string{"dist/file": "content\n"})
	server, _ := serveArchive(t, payload)

	root := t.TempDir()
	oldSum := strings.Repeat("0", 64)
	cfgData := "deps:\n" +
		"  dep:\n" +
		"    url: " + server.URL + "/dep.tar.gz\n" +
		"    dest: third_party/dep\n" +
		"    sha256: " + oldSum + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, depsFilename), []byte(cfgData), 0600))

	cfg := prereqConfig{
		Deps: map[string]prereqSpec{
			"dep": {
				URL:    server.URL + "/dep.tar.gz",
				Dest:   "third_party/dep",
				Sha256: oldSum,
				Strip:  1,
			},
		},
	}

	require.NoError(t, downloadAndExtract(fetchDepsTestCmd(t, true), cfg, cfgData, map[string]string{}, root))

	updated, err := os.ReadFile(filepath.Join(root, depsFilename))
	require.NoError(t, err)
	assert.Contains(t, string(updated), "sha256: "+checksum(payload))
	assert.NotContains(t, string(updated), oldSum)
}
