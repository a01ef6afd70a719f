package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/WilkinsonK/Chell/pkg"
	"github.com/WilkinsonK/Chell/pkg/distsys"
	"github.com/WilkinsonK/Chell/pkg/manifest"
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Inspect the build.yaml distribution manifest",
}

var manifestCheckCmd = &cobra.Command{
	Use:   "check [path]",
	Short: "Validates the manifest against the expected schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveManifestPath(args)
		if err != nil {
			return err
		}

		_, err = manifest.Load(path)
		if err != nil {
			return err
		}

		pkg.PrintSubtask(fmt.Sprintf("%s is a valid manifest", path))
		return nil
	},
}

var manifestShowCmd = &cobra.Command{
	Use:   "show [path]",
	Short: "Prints the parsed manifest and the resolved install requirements",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveManifestPath(args)
		if err != nil {
			return err
		}

		parsed, err := manifest.Load(path)
		if err != nil {
			return err
		}

		root, err := pkg.GetProjectRoot()
		if err != nil {
			// outside a checkout, fall back to the manifest's directory
			root = filepath.Dir(path)
		}

		requirements, err := parsed.Requirements(root)
		if err != nil {
			return err
		}

		rendered, err := yaml.Marshal(parsed)
		if err != nil {
			return eris.Wrap(err, "failed to render the manifest")
		}

		pkg.PrintTask(fmt.Sprintf("Manifest %s", path))
		fmt.Print(string(rendered))

		pkg.PrintTask("Resolved install requirements")
		for _, entry := range requirements {
			pkg.PrintSubtask(entry)
		}

		return nil
	},
}

func resolveManifestPath(args []string) (string, error) {
	if len(args) > 0 {
		_, err := os.Stat(args[0])
		if err != nil {
			return "", eris.Wrapf(err, "failed to check %s", args[0])
		}

		return args[0], nil
	}

	root, err := pkg.GetProjectRoot()
	if err != nil {
		root, err = os.Getwd()
		if err != nil {
			return "", err
		}
	}

	setupScript := distsys.ConfigFromEnv().SetupScript
	if !filepath.IsAbs(setupScript) {
		setupScript = filepath.Join(root, setupScript)
	}

	return manifest.Locate(setupScript)
}

func init() {
	manifestCmd.AddCommand(manifestCheckCmd)
	manifestCmd.AddCommand(manifestShowCmd)
	rootCmd.AddCommand(manifestCmd)
}
