package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/leaktk/nps/pkg/config"
	"github.com/leaktk/nps/pkg/fs"
	"github.com/leaktk/nps/pkg/logger"
	"github.com/leaktk/nps/pkg/queue"
	"github.com/leaktk/nps/pkg/reporter"
	"github.com/leaktk/nps/pkg/response"
	"github.com/leaktk/nps/pkg/supervisor"
	"github.com/leaktk/nps/version"
)

const cliLong = `Name:
  nps - The node package scanner

Description:
  nps scans published package archives for embedded secrets and other
  patterns. The "run" command starts a supervisor that keeps a pool of
  scanner, reporter and (optionally) ui worker processes alive. Archives are
  fed in with "enqueue" and the persisted findings can be reviewed with
  "findings" or through the admin API.
`

const configDescription = `config file path
order of precedence:
1. --config/-c
2. env var NPS_CONFIG
3. ${XDG_CONFIG_HOME}/nps/config.toml
4. /etc/nps/config.toml
5. The default config
`

// connectTimeout bounds how long commands wait for the stores to come up
const connectTimeout = 2 * time.Minute

func runHelp(cmd *cobra.Command, args []string) {
	_ = cmd.Help()
}

// initEnv loads a .env file from the working directory if there is one
func initEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warning("could not load .env file: error=%q", err)
	}
}

// loadConfig resolves the config for a command and fails hard if it can't
func loadConfig(cmd *cobra.Command) *config.Config {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		logger.Fatal("could not read config flag: %v", err)
	}

	cfg, err := config.LocateAndLoadConfig(path)
	if err != nil {
		logger.Fatal("could not load config: %v", err)
	}

	return cfg
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func connectQueue(ctx context.Context, cfg *config.Config) (*queue.WorkQueue, func()) {
	store, err := queue.ConnectWithRetry(ctx, cfg.Queue.RedisURL, connectTimeout)
	if err != nil {
		logger.Fatal("could not connect to the queue store: %v", err)
	}

	return queue.NewWorkQueue(store, cfg.Queue), func() { _ = store.Close() }
}

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the supervisor and its worker pool",
		Args:  cobra.NoArgs,
		Run:   runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	logger.SetField("role", "supervisor")

	ctx, stop := signalContext()
	defer stop()

	wq, closeQueue := connectQueue(ctx, cfg)
	defer closeQueue()

	var childArgs []string
	if path, _ := cmd.Flags().GetString("config"); len(path) > 0 {
		abs, err := filepath.Abs(path)
		if err != nil {
			logger.Fatal("could not resolve config path: %v", err)
		}
		childArgs = append(childArgs, "--config", abs)
	}

	spawner, err := supervisor.NewExecSpawner(childArgs...)
	if err != nil {
		logger.Fatal("%v", err)
	}

	if err := supervisor.NewSupervisor(cfg, spawner, wq).Run(ctx); err != nil {
		logger.Fatal("supervisor failed: %v", err)
	}
}

func workerCommand() *cobra.Command {
	workerCommand := &cobra.Command{
		Use:   "worker",
		Short: "Run a single worker in the foreground",
		Long: "Run a single worker in the foreground. The role comes from --role or\n" +
			"the " + supervisor.RoleEnvVar + " env var set by the supervisor.",
		Args: cobra.NoArgs,
		Run:  runWorker,
	}

	flags := workerCommand.Flags()
	flags.String("role", "", "worker role (scanner, reporter or ui)")

	return workerCommand
}

func runWorker(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	roleName, _ := cmd.Flags().GetString("role")
	if len(roleName) == 0 {
		roleName = os.Getenv(supervisor.RoleEnvVar)
	}

	role, err := supervisor.ParseRole(roleName)
	if err != nil {
		logger.Fatal("%v", err)
	}

	ctx, stop := signalContext()
	defer stop()

	if err := startWorker(ctx, cfg, role); err != nil {
		logger.Fatal("worker failed: role=%q error=%q", role, err)
	}
}

func enqueueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <dir|file>...",
		Short: "Queue package archives for scanning",
		Long:  "Queue package archives for scanning. Directories are searched recursively for .tgz files.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runEnqueue,
	}
}

// collectArchives expands directories into the .tgz files under them and
// returns absolute paths
func collectArchives(paths []string) ([]string, error) {
	var archives []string

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, response.Errorf(response.NotFound, "could not stat path: path=%q error=%w", path, err)
		}

		if !info.IsDir() {
			abs, err := filepath.Abs(path)
			if err != nil {
				return nil, err
			}
			archives = append(archives, abs)
			continue
		}

		files, err := fs.ListFiles(path)
		if err != nil {
			return nil, fmt.Errorf("could not list directory: path=%q error=%w", path, err)
		}

		for _, file := range files {
			if strings.HasSuffix(file, ".tgz") {
				archives = append(archives, file)
			}
		}
	}

	return archives, nil
}

func runEnqueue(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	archives, err := collectArchives(args)
	if err != nil {
		logger.Fatal("%v", err)
	}

	ctx, stop := signalContext()
	defer stop()

	wq, closeQueue := connectQueue(ctx, cfg)
	defer closeQueue()

	for _, archive := range archives {
		item, err := wq.Enqueue(ctx, cfg.Queue.WorkQueue, archive)
		if err != nil {
			logger.Fatal("could not enqueue archive: path=%q error=%q", archive, err)
		}
		logger.Debug("enqueued archive: path=%q id=%q", archive, item.ID)
	}

	logger.Info("enqueued archives: queue=%q count=%d", cfg.Queue.WorkQueue, len(archives))
}

func reapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Release abandoned leases on the work and result queues",
		Args:  cobra.NoArgs,
		Run:   runReap,
	}
}

func runReap(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	ctx, stop := signalContext()
	defer stop()

	wq, closeQueue := connectQueue(ctx, cfg)
	defer closeQueue()

	if err := supervisor.ReapQueues(ctx, wq, cfg.Queue.WorkQueue, cfg.Queue.ResultQueue); err != nil {
		logger.Fatal("reap failed: %v", err)
	}
}

func findingsCommand() *cobra.Command {
	findingsCommand := &cobra.Command{
		Use:   "findings",
		Short: "List persisted findings",
		Args:  cobra.NoArgs,
		Run:   runFindings,
	}

	flags := findingsCommand.Flags()
	flags.StringP("format", "f", "human", "output format (json, yaml, toml, csv or human)")
	flags.String("package", "", "only findings for this package name")
	flags.String("package-version", "", "only findings for this package version")
	flags.String("found-by", "", "only findings from this plugin")
	flags.String("key", "", "only findings for this rule id")
	flags.Bool("ignored", false, "only findings flagged as ignored")
	flags.Bool("false-positive", false, "only findings flagged as false positives")
	flags.Int("limit", reporter.DefaultListLimit, "maximum number of findings")
	flags.Int("offset", 0, "number of findings to skip")
	flags.Int("truncate", 0, "truncate excerpts in the human format (0 keeps them whole)")

	return findingsCommand
}

// findingsCommandToFilter builds a store filter from the findings flags.
// Flag filters only apply when the flag was set.
func findingsCommandToFilter(cmd *cobra.Command) (reporter.Filter, error) {
	var filter reporter.Filter
	var err error
	flags := cmd.Flags()

	if filter.PackageName, err = flags.GetString("package"); err != nil {
		return filter, err
	}
	if filter.PackageVersion, err = flags.GetString("package-version"); err != nil {
		return filter, err
	}
	if filter.FoundBy, err = flags.GetString("found-by"); err != nil {
		return filter, err
	}
	if filter.Key, err = flags.GetString("key"); err != nil {
		return filter, err
	}
	if filter.Limit, err = flags.GetInt("limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = flags.GetInt("offset"); err != nil {
		return filter, err
	}

	if flags.Changed("ignored") {
		ignored, _ := flags.GetBool("ignored")
		filter.Ignore = &ignored
	}

	if flags.Changed("false-positive") {
		falsePositive, _ := flags.GetBool("false-positive")
		filter.FalsePositive = &falsePositive
	}

	return filter, nil
}

func runFindings(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	format, _ := cmd.Flags().GetString("format")
	truncate, _ := cmd.Flags().GetInt("truncate")
	formatter, err := response.NewFormatter(format, truncate)
	if err != nil {
		logger.Fatal("%v", err)
	}

	filter, err := findingsCommandToFilter(cmd)
	if err != nil {
		logger.Fatal("%v", err)
	}

	ctx, stop := signalContext()
	defer stop()

	store, err := reporter.Open(ctx, cfg.Reporter)
	if err != nil {
		logger.Fatal("could not open finding store: %v", err)
	}
	defer store.Close()

	findings, err := store.List(ctx, filter)
	if err != nil {
		logger.Error("could not list findings: %v", err)
		return
	}

	fmt.Println(formatter.Format(findings))
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			version.PrintVersion()
		},
	}
}

// rootCommand provides a built Command for the app to use
func rootCommand() *cobra.Command {
	cobra.OnInitialize(initEnv)

	rootCommand := &cobra.Command{
		Use:   "nps",
		Short: "The node package scanner",
		Long:  cliLong,
		Run:   runHelp,
	}

	flags := rootCommand.PersistentFlags()
	flags.StringP("config", "c", "", configDescription)

	rootCommand.AddCommand(runCommand())
	rootCommand.AddCommand(workerCommand())
	rootCommand.AddCommand(enqueueCommand())
	rootCommand.AddCommand(reapCommand())
	rootCommand.AddCommand(findingsCommand())
	rootCommand.AddCommand(versionCommand())

	return rootCommand
}

// Execute the command and parse the args
func Execute() {
	if err := rootCommand().Execute(); err != nil {
		logger.Fatal("%v", err)
	}
}
