// Package cmd implements the CLI for the distsys package
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/WilkinsonK/Chell/pkg/distsys"
	"github.com/WilkinsonK/Chell/pkg/manifest"
)

const taskFilename = "tasks.star"
const cacheFilename = ".task-cache"

var RootCmd = &cobra.Command{
	Use:   "task",
	Short: "Runs the project's build targets",
	Long: `This command parses the first tasks.star file it finds and executes the given
tasks. Without a task file, the built-in packaging targets (all, install,
build, test) are available.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		taskArgs := make([]string, 0)
		options := make(map[string]string)
		dryRun, err := cmd.Flags().GetBool("dry")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		noCache, err := cmd.Flags().GetBool("no-cache")
		if err != nil {
			return err
		}

		for _, part := range args {
			pos := strings.Index(part, "=")
			if pos > -1 {
				options[part[:pos]] = part[pos+1:]
			} else {
				taskArgs = append(taskArgs, part)
			}
		}

		logger := zerolog.New(NewConsoleWriter())
		ctx := context.Background()
		ctx = distsys.WithLogger(ctx, &logger)

		wd, err := os.Getwd()
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to retrieve the current working directory")
		}

		taskPath := findTaskFile(&logger, wd)

		var taskList distsys.TaskList
		var projectRoot string
		if taskPath == "" {
			// no task file; fall back to the built-in packaging targets
			projectRoot = wd
			cfg := distsys.ConfigFromEnv()
			taskList = distsys.DefaultTasks(projectRoot, cfg)

			err = checkManifest(projectRoot, cfg, taskArgs)
			if err != nil {
				logger.Error().Err(err).Msg("The build manifest is missing or invalid")
				os.Exit(1)
			}
		} else {
			projectRoot = filepath.Dir(taskPath)
			taskList = loadTaskFile(ctx, &logger, taskPath, options, noCache)
		}

		for _, name := range taskArgs {
			_, ok := taskList[name]
			if !ok {
				logger.Fatal().Msgf("Task %s not found", name)
			}

			err = distsys.RunTask(ctx, projectRoot, name, taskList, dryRun, force)
			if err != nil {
				logger.Error().Err(err).Msgf("Failed task %s:", name)
				os.Exit(distsys.ExitCode(err))
			}
		}

		if len(taskArgs) == 0 {
			printTaskList(taskList)
		}

		return nil
	},
}

// findTaskFile walks up from the working directory and returns the first
// tasks.star it finds, relative to wd. An empty result means there is none.
func findTaskFile(logger *zerolog.Logger, wd string) string {
	path := wd
	for {
		taskPath := filepath.Join(path, taskFilename)
		_, err := os.Stat(taskPath)
		if err == nil {
			relPath, err := filepath.Rel(wd, taskPath)
			if err != nil {
				logger.Fatal().Err(err).Msg("Failed to simplify path")
			}

			return relPath
		}
		if !eris.Is(err, os.ErrNotExist) {
			logger.Fatal().Err(err).Msgf("Failed to check %s", taskPath)
		}

		parent := filepath.Dir(path)
		if parent == path {
			return ""
		}

		path = parent
	}
}

func loadTaskFile(ctx context.Context, logger *zerolog.Logger, taskPath string, options map[string]string, noCache bool) distsys.TaskList {
	cachePath := filepath.Join(filepath.Dir(taskPath), cacheFilename)

	if !noCache {
		taskList, fresh := distsys.CacheIsFresh(cachePath, taskPath, options)
		if fresh {
			logger.Debug().Msgf("Using cached tasks from %s", cachePath)
			return taskList
		}
	}

	taskList, _, err := distsys.RunScript(ctx, taskPath, filepath.Dir(taskPath), options, true)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to parse tasks")
	}

	if !noCache {
		err = distsys.WriteCache(cachePath, options, taskList)
		if err != nil {
			logger.Warn().Err(err).Msgf("Failed to write the task cache to %s", cachePath)
		}
	}

	return taskList
}

// checkManifest enforces the manifest prerequisite for packaging targets:
// they have to fail before any packaging subcommand runs if build.yaml is
// missing or malformed. The test target doesn't need the manifest.
func checkManifest(projectRoot string, cfg distsys.Config, taskArgs []string) error {
	needed := false
	for _, name := range taskArgs {
		if name != "test" {
			needed = true
			break
		}
	}

	if !needed {
		return nil
	}

	setupScript := cfg.SetupScript
	if !filepath.IsAbs(setupScript) {
		setupScript = filepath.Join(projectRoot, setupScript)
	}

	path, err := manifest.Locate(setupScript)
	if err != nil {
		return err
	}

	_, err = manifest.Load(path)
	return err
}

func printTaskList(taskList distsys.TaskList) {
	fmt.Println("Available tasks:")
	maxNameLen := 0
	sortedNames := make([]string, 0)
	for _, task := range taskList {
		nameLen := len(task.Short)
		if nameLen > maxNameLen {
			maxNameLen = nameLen
		}

		sortedNames = append(sortedNames, task.Short)
	}

	sort.Strings(sortedNames)

	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, name := range sortedNames {
		fmt.Printf(lineFmt, name+":", taskList[name].Desc)
	}
}

func init() {
	RootCmd.Flags().BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	RootCmd.Flags().BoolP("force", "f", false, "force build; always execute the passed steps even if they don't have to run")
	RootCmd.Flags().Bool("no-cache", false, "ignore and don't update the parsed task cache")
}
