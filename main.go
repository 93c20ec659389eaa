package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/die-net/liveproxy/internal/config"
	"github.com/die-net/liveproxy/internal/logger"
)

const usage = `liveproxy validates proxy lists and serves the live ones.

Usage:
  liveproxy check [flags]   validate candidates once and write the live list
  liveproxy serve [flags]   validate, then serve the live list as one rotating proxy

Run "liveproxy <command> --help" for the flags of a command.
`

func main() {
	err := run(os.Args[1:])
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}

	switch args[0] {
	case "check":
		return runCheck(args[1:])
	case "serve":
		return runServe(args[1:])
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// loadConfig builds a command's configuration: defaults, then the --config
// file, then the flags in args. addFlags binds a command's flags to the
// loaded values so that only flags given on the command line override them.
func loadConfig(name string, args []string, addFlags func(*pflag.FlagSet, *config.Config)) (config.Config, error) {
	path := configPath(args)
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false
	fs.String("config", path, "INI config file; flags override its values")
	addCommonFlags(fs, &cfg)
	addFlags(fs, &cfg)

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fs.NArg() > 0 {
		return cfg, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// configPath finds --config in args before the flag set exists, since the
// file supplies the flag defaults.
func configPath(args []string) string {
	for i, a := range args {
		if a == "--" {
			break
		}
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func addCommonFlags(fs *pflag.FlagSet, cfg *config.Config) {
	c := &cfg.Check
	fs.StringVarP(&c.Input, "input", "i", c.Input, "Candidate list file, one host:port or scheme://host:port per line; - reads stdin")
	fs.StringVarP(&c.Protocol, "protocol", "p", c.Protocol, "Protocol of entries without a scheme: http | https | socks4 | socks5")
	fs.DurationVarP(&c.Timeout, "timeout", "t", c.Timeout, "Timeout for each check through a candidate")
	fs.DurationVar(&c.ProbeTimeout, "probe-timeout", c.ProbeTimeout, "Timeout for the preliminary TCP connect to a candidate")
	fs.IntVarP(&c.Parallel, "parallel", "n", c.Parallel, "Maximum number of candidates checked at once")
	fs.StringSliceVar(&c.Targets, "target", c.Targets, "IP-echo URL HTTP(S) candidates must fetch; repeatable (default: built-in list)")
	fs.StringSliceVar(&c.Destinations, "destination", c.Destinations, "host:port SOCKS candidates must CONNECT to; repeatable (default: built-in list)")
	fs.DurationVar(&c.CacheTTL, "cache-ttl", c.CacheTTL, "Reuse a candidate's verdict for this long across cycles; 0 disables")
	fs.IntVar(&c.StopAfter, "stop-after", c.StopAfter, "End a cycle once this many candidates passed; 0 checks everything")
	fs.BoolVar(&c.Insecure, "insecure", c.Insecure, "Skip TLS verification of https:// targets")

	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level: debug | info | warn | error")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format: console | json")
}
