package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v3"

	"github.com/grafana/traced/cmd/traced/app"
	"github.com/grafana/traced/cmd/traced/build"
	"github.com/grafana/traced/pkg/util/log"
)

const appName = "traced"

// Version is set via build flag -ldflags -X main.Version
var (
	Version  string
	Branch   string
	Revision string
)

func init() {
	version.Version = Version
	version.Branch = Branch
	version.Revision = Revision
	build.Version = Version
	prometheus.MustRegister(versioncollector.NewCollector(appName))
}

func main() {
	printVersion := flag.Bool("version", false, "Print this build's version information")

	cfg, configVerify, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}
	if *printVersion {
		fmt.Println(version.Print(appName))
		os.Exit(0)
	}

	log.InitLogger(log.Level(cfg.LogLevel))

	if warnings := cfg.CheckConfig(); len(warnings) != 0 {
		level.Warn(log.Logger).Log("msg", "-- CONFIGURATION WARNINGS --")
		for _, w := range warnings {
			output := []any{"msg", w.Message}
			if w.Explain != "" {
				output = append(output, "explain", w.Explain)
			}
			level.Warn(log.Logger).Log(output...)
		}
	}

	if configVerify {
		os.Exit(0)
	}

	a, err := app.New(*cfg)
	if err != nil {
		level.Error(log.Logger).Log("msg", "error initialising traced", "err", err)
		os.Exit(1)
	}

	level.Info(log.Logger).Log("msg", "starting traced", "version", version.Info())

	if err := a.Run(); err != nil {
		level.Error(log.Logger).Log("msg", "error running traced", "err", err)
		os.Exit(1)
	}
}

func loadConfig() (*app.Config, bool, error) {
	const (
		configFileOption   = "config.file"
		configVerifyOption = "config.verify"
	)

	var (
		configFile   string
		configVerify bool
	)

	args := os.Args[1:]
	cfg := &app.Config{}

	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&configFile, configFileOption, "", "")
	fs.BoolVar(&configVerify, configVerifyOption, false, "")

	// As with the teacher's loadConfig, parsing stops on the first
	// unknown flag, so scan forward one token at a time to find
	// -config.file regardless of where it appears.
	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	cfg.RegisterFlagsAndApplyDefaults("", flag.CommandLine)

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read configFile %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, false, fmt.Errorf("failed to parse configFile %s: %w", configFile, err)
		}
	}

	flagext.IgnoredFlag(flag.CommandLine, configFileOption, "Configuration file to load")
	flagext.IgnoredFlag(flag.CommandLine, configVerifyOption, "Verify configuration and exit")
	flag.Parse()

	return cfg, configVerify, nil
}
