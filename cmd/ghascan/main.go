package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/harekrishnarai/ghascan/pkg/clone"
	"github.com/harekrishnarai/ghascan/pkg/config"
	"github.com/harekrishnarai/ghascan/pkg/constants"
	ghaerrors "github.com/harekrishnarai/ghascan/pkg/errors"
	"github.com/harekrishnarai/ghascan/pkg/github"
	"github.com/harekrishnarai/ghascan/pkg/graph"
	"github.com/harekrishnarai/ghascan/pkg/ldpreload"
	"github.com/harekrishnarai/ghascan/pkg/logging"
	"github.com/harekrishnarai/ghascan/pkg/policies"
	"github.com/harekrishnarai/ghascan/pkg/report"
	"github.com/harekrishnarai/ghascan/pkg/rules"
	"github.com/harekrishnarai/ghascan/pkg/scanner"
	"github.com/harekrishnarai/ghascan/pkg/terminal"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		var scanErr *ghaerrors.ScanError
		if errors.As(err, &scanErr) {
			fmt.Fprintln(os.Stderr, scanErr.UserFriendlyMessage())
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		stop()
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    constants.AppName,
		Version: constants.AppVersion,
		Usage:   constants.AppUsage,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env",
				Aliases: []string{"e"},
				Usage:   ".env file path",
				Value:   constants.DefaultEnvFile,
			},
			&cli.BoolFlag{
				Name:    "recurse",
				Aliases: []string{"r"},
				Usage:   "Recurse into referenced actions",
			},
			&cli.IntFlag{
				Name:    "max-depth",
				Aliases: []string{"m"},
				Usage:   "Max recursion depth (implies --recurse)",
				Value:   constants.DefaultMaxDepth,
			},
			&cli.StringFlag{
				Name:    "scan-rules",
				Aliases: []string{"s"},
				Usage:   "Comma separated list of rules to use, by ID. Negate by prefixing with !",
			},
			&cli.StringFlag{
				Name:  "output",
				Usage: "Output file path (if not specified, prints to stdout)",
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Usage:   "Output format (" + strings.Join(constants.SupportedOutputFormats, ", ") + ")",
				Value:   constants.DefaultOutputFormat,
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Configuration file path (.ghascan.yml)",
			},
			&cli.StringSliceFlag{
				Name:    "policy",
				Aliases: []string{"p"},
				Usage:   "Rego policy file or directory, enables the POLICY rule",
			},
			&cli.IntFlag{
				Name:  "parallelism",
				Usage: "Repositories scanned at the same time by scan-org and scan-actions",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{constants.EnvLogLevel},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "list-rules",
				Usage: "List all available rules",
				Action: func(c *cli.Context) error {
					env, err := setup(c)
					if err != nil {
						return err
					}
					listRules(c.App.Writer, env.rules)
					return nil
				},
			},
			{
				Name:  "scan-repo",
				Usage: "Scan a single repo",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Aliases: []string{"u"}, Usage: "Github repository URL", Required: true},
				},
				Action: func(c *cli.Context) error {
					url := c.String("url")
					if !graph.IsGitHubURL(url) {
						return ghaerrors.ErrInvalidGitHubURL(url)
					}
					env, err := setup(c)
					if err != nil {
						return err
					}
					if err := env.scanner.ScanRepo(c.Context, url); err != nil {
						return err
					}
					return env.finish(c.Context)
				},
			},
			{
				Name:  "scan-org",
				Usage: "Scan all repos in an org",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "org", Aliases: []string{"o"}, Usage: "Github org name", Required: true},
				},
				Action: func(c *cli.Context) error {
					env, err := setup(c)
					if err != nil {
						return err
					}
					result, err := env.scanner.ScanOrg(c.Context, env.gh, c.String("org"))
					if err != nil {
						return err
					}
					env.log.Info(fmt.Sprintf("Analyzed %d repositories (%d skipped) in %s",
						result.AnalyzedRepositories, result.SkippedRepositories, result.Duration.Round(time.Millisecond)))
					return env.finish(c.Context)
				},
			},
			{
				Name:  "scan-actions",
				Usage: "Scan a list of standalone actions from a file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "actions-yaml", Aliases: []string{"a"}, Usage: "Analyze actions from yaml", Value: constants.DefaultActionsYAML},
				},
				Action: func(c *cli.Context) error {
					env, err := setup(c)
					if err != nil {
						return err
					}
					urls, err := scanner.LoadActionsList(c.String("actions-yaml"))
					if err != nil {
						return err
					}
					if err := env.scanner.ScanActions(c.Context, urls); err != nil {
						return err
					}
					return env.finish(c.Context)
				},
			},
			{
				Name:  "clone",
				Usage: "Pseudo-fork a repo for testing",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Aliases: []string{"u"}, Usage: "Github repository URL", Required: true},
				},
				Action: func(c *cli.Context) error {
					env, err := setup(c)
					if err != nil {
						return err
					}
					token := env.gh.Token()
					runner := clone.ExecRunner{Redact: []string{token}}
					if env.log.Enabled(c.Context, slog.LevelDebug) {
						runner.Output = os.Stderr
					}
					cloner, err := clone.New(c.String("url"), env.gh, token, runner, env.log)
					if err != nil {
						return err
					}
					_, err = cloner.Run(c.Context)
					return err
				},
			},
			{
				Name:  "ldpreload-poc",
				Usage: "Create a PoC to exploit subsequent steps after command injection with LD_PRELOAD",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "command", Aliases: []string{"c"}, Usage: "Command to run from the LD_PRELOAD", Required: true},
					&cli.BoolFlag{Name: "base64", Aliases: []string{"b"}, Usage: "Encode the code for injection"},
				},
				Action: func(c *cli.Context) error {
					fmt.Fprintln(c.App.Writer)
					fmt.Fprintln(c.App.Writer, ldpreload.Payload(c.String("command"), c.Bool("base64")))
					return nil
				},
			},
			{
				Name:      "init-policy",
				Usage:     "Create an example policy file",
				ArgsUsage: "[path]",
				Action: func(c *cli.Context) error {
					outputPath := c.Args().First()
					if outputPath == "" {
						outputPath = "policies/example.rego"
					}
					if err := policies.CreateExamplePolicy(outputPath); err != nil {
						return ghaerrors.NewPolicyError("failed to create example policy", err, outputPath)
					}
					fmt.Fprintf(c.App.Writer, "Example policy file created at %s\n", outputPath)
					return nil
				},
			},
			{
				Name:      "init-config",
				Usage:     "Write the default configuration file",
				ArgsUsage: "[path]",
				Action: func(c *cli.Context) error {
					outputPath := c.Args().First()
					if outputPath == "" {
						outputPath = constants.DefaultConfigFile
					}
					if err := config.SaveConfig(config.DefaultConfig(), outputPath); err != nil {
						return ghaerrors.NewConfigError("failed to write configuration", err)
					}
					fmt.Fprintf(c.App.Writer, "Configuration written to %s\n", outputPath)
					return nil
				},
			},
		},
	}
}

// environment is what every scanning command is built from
type environment struct {
	cfg     *config.Config
	log     *slog.Logger
	gh      *github.Client
	rules   []*rules.Rule
	scanner *scanner.Scanner
}

func setup(c *cli.Context) (*environment, error) {
	if err := config.LoadEnvFile(c.String("env")); err != nil {
		return nil, err
	}

	log := logging.New(c.String("log-level"))
	slog.SetDefault(log)

	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := applyFlags(c, cfg); err != nil {
		return nil, err
	}

	gh, err := github.NewClient("")
	if err != nil {
		return nil, ghaerrors.NewConfigError("failed to create GitHub client", err)
	}

	opts := rules.Options{StatusChecker: github.NewStatusChecker(constants.GitHubHost), Logger: log}
	if len(cfg.Policies) > 0 {
		engine, err := loadPolicies(c.Context, cfg.Policies)
		if err != nil {
			return nil, err
		}
		opts.Policies = engine
	}
	selected, err := rules.Select(rules.StandardRules(opts), strings.Split(c.String("scan-rules"), ","))
	if err != nil {
		return nil, err
	}

	registry := graph.NewRegistry(gh, gh, graph.Config{
		MaxRepoSizeKB: cfg.Scan.MaxRepoSizeKB,
		StuckTimeout:  cfg.Scan.StuckTimeout,
		FetchTimeout:  cfg.Scan.FetchTimeout,
		Logger:        log,
	})
	s := scanner.New(registry, selected, rules.NewRuleEngine(cfg, log), scanner.Options{
		Recurse:      cfg.Scan.Recurse,
		MaxDepth:     cfg.Scan.MaxDepth,
		Parallelism:  cfg.Scan.Parallelism,
		RepoTimeout:  cfg.Scan.RepoTimeout,
		ShowProgress: terminal.New(os.Stderr).IsTTY() && !constants.IsRunningInCI(),
		Logger:       log,
	})

	return &environment{cfg: cfg, log: log, gh: gh, rules: selected, scanner: s}, nil
}

// applyFlags lets command line flags override the configuration file
func applyFlags(c *cli.Context, cfg *config.Config) error {
	if c.Bool("recurse") {
		cfg.Scan.Recurse = true
	}
	if c.IsSet("max-depth") {
		cfg.Scan.MaxDepth = c.Int("max-depth")
		cfg.Scan.Recurse = true
	}
	if c.IsSet("parallelism") {
		cfg.Scan.Parallelism = c.Int("parallelism")
	}
	if c.IsSet("format") {
		cfg.Output.Format = strings.ToLower(c.String("format"))
	}
	if c.IsSet("output") {
		cfg.Output.File = c.String("output")
	}
	cfg.Policies = append(cfg.Policies, c.StringSlice("policy")...)

	if !slices.Contains(constants.SupportedOutputFormats, cfg.Output.Format) {
		return ghaerrors.ErrInvalidOutputFormat(cfg.Output.Format, constants.SupportedOutputFormats)
	}
	if cfg.Scan.MaxDepth < 0 {
		return ghaerrors.NewValidationError("Max depth cannot be negative", "max-depth", cfg.Scan.MaxDepth)
	}
	return nil
}

func loadPolicies(ctx context.Context, paths []string) (*policies.PolicyEngine, error) {
	var files []string
	for _, path := range paths {
		found, err := policies.LoadPolicyFiles(path)
		if err != nil {
			return nil, ghaerrors.NewPolicyError("failed to load policies", err, path)
		}
		files = append(files, found...)
	}
	engine, err := policies.NewPolicyEngine(ctx, files)
	if err != nil {
		return nil, ghaerrors.NewPolicyError("failed to compile policies", err, strings.Join(paths, ","),
			"Policies must define deny rules in the ghascan package using Rego v1 syntax")
	}
	return engine, nil
}

// finish reports what the scan found
func (e *environment) finish(ctx context.Context) error {
	e.log.Info(fmt.Sprintf("Scanned %d actions", e.scanner.Scanned()))

	g := report.NewGenerator(e.cfg.Output.Format, e.cfg.Output.File)
	if err := g.Generate(ctx, e.scanner.Findings()); err != nil {
		return err
	}
	if e.cfg.Output.File != "" {
		e.log.Info(fmt.Sprintf("Report written to %s", e.cfg.Output.File))
	}
	return nil
}

func listRules(w io.Writer, selected []*rules.Rule) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Severity", "Name", "Documentation"})
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	for _, rule := range selected {
		table.Append([]string{rule.ID, string(rule.Severity), rule.Name, rule.Documentation()})
	}
	table.Render()
}
