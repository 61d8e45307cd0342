// Command tenementd is both the daemon entrypoint and a thin CLI against a
// locally loaded configuration file, mirroring the original tenement CLI's
// one-shot "load config, act, print, exit" shape for every subcommand
// except daemon, which runs forever.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Context carries the flags every subcommand's Run needs.
type Context struct {
	ConfigPath string
	LogFile    string
	LogLevel   string
}

type CLI struct {
	Config   string `short:"c" default:"/etc/tenement/tenement.toml" placeholder:"<config-path>" help:"path to the tenement.toml configuration file"`
	LogFile  string `default:"" placeholder:"<log-file-path>" help:"daemon log file (rotated via lumberjack); empty logs to stderr"`
	LogLevel string `default:"info" placeholder:"<debug|info|warn|error>" help:"logging level"`

	Daemon  DaemonCmd  `cmd:"" help:"run the hypervisor and front door, serving HTTPS until signaled"`
	Spawn   SpawnCmd   `cmd:"" help:"spawn a new instance of a configured service"`
	Stop    StopCmd    `cmd:"" help:"stop a running instance"`
	Restart RestartCmd `cmd:"" help:"restart a running instance"`
	Ps      PsCmd      `cmd:"" help:"list instances" aliases:"ls"`
	Health  HealthCmd  `cmd:"" help:"check an instance's health"`
	Config_ ConfigCmd  `cmd:"" name:"config" help:"print the resolved configuration"`
	Version VersionCmd `cmd:"" help:"print version information about this binary"`

	Completion kongcompletion.Completion `cmd:"" help:"print shell completion scripts"`
}

func (c *CLI) initSlog() {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	if c.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
		}
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

func main() {
	var cli CLI

	parser, err := kong.New(&cli,
		kong.Configuration(kongyaml.Loader, "/etc/tenement/tenementd.yaml", "~/.tenementd.yaml"),
		kong.Description("Single-host service hypervisor: spawn, supervise, and route to long-lived service instances."),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kong.New: %v\n", err)
		os.Exit(1)
	}
	if err := kongcompletion.Register(parser); err != nil {
		fmt.Fprintf(os.Stderr, "kongcompletion.Register: %v\n", err)
		os.Exit(1)
	}

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	cli.initSlog()

	runErr := kctx.Run(&Context{
		ConfigPath: cli.Config,
		LogFile:    cli.LogFile,
		LogLevel:   cli.LogLevel,
	})
	kctx.FatalIfErrorf(runErr)
}
