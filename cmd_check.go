package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/die-net/liveproxy/internal/config"
	"github.com/die-net/liveproxy/internal/geo"
	"github.com/die-net/liveproxy/internal/logger"
	"github.com/die-net/liveproxy/internal/report"
	"github.com/die-net/liveproxy/internal/validator"
)

func addCheckFlags(fs *pflag.FlagSet, cfg *config.Config) {
	c := &cfg.Check
	fs.StringVarP(&c.Output, "output", "o", c.Output, "Write live proxies, fastest first, to this file; empty or - writes stdout")
	fs.StringVar(&c.JSON, "json", c.JSON, "Also write a detailed JSON report to this file")
	fs.StringVar(&c.GeoIPDB, "geoip-db", c.GeoIPDB, "MaxMind City or Country database adding locations to the JSON report")
}

func runCheck(args []string) error {
	cfg, err := loadConfig("check", args, addCheckFlags)
	if err != nil {
		return err
	}
	l := logger.WithComponent("check")
	raiseOpenFileLimit(l)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v, err := newValidator(cfg.Check)
	if err != nil {
		return err
	}
	rep, err := runCycle(ctx, l, v, cfg.Check)
	if err != nil {
		return err
	}

	if err := writeOutput(cfg.Check.Output, func(w io.Writer) error {
		return report.WriteList(w, rep.Verified)
	}); err != nil {
		return fmt.Errorf("write list: %w", err)
	}
	if cfg.Check.JSON != "" {
		if err := writeJSONReport(cfg.Check, rep); err != nil {
			return err
		}
		l.Info().Str("path", cfg.Check.JSON).Msg("json report written")
	}
	return nil
}

func writeJSONReport(c config.Check, rep *validator.Report) error {
	var lookup geo.Lookup
	if c.GeoIPDB != "" {
		db, err := geo.Open(c.GeoIPDB)
		if err != nil {
			return err
		}
		defer db.Close()
		lookup = db.Lookup
	}

	if err := writeOutput(c.JSON, func(w io.Writer) error {
		return report.WriteJSON(w, rep, lookup)
	}); err != nil {
		return fmt.Errorf("write json report: %w", err)
	}
	return nil
}

// writeOutput calls write with stdout for "" or "-", and with a new file at
// path otherwise.
func writeOutput(path string, write func(io.Writer) error) error {
	if path == "" || path == "-" {
		return write(os.Stdout)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
