package app

import (
	"flag"
	"time"

	"github.com/grafana/traced/service"
)

// Config is the root config for App, mirroring the shape of every
// Config in the teacher: plain struct, yaml tags, a single
// RegisterFlagsAndApplyDefaults entry point.
type Config struct {
	LogLevel       string        `yaml:"log_level,omitempty"`
	HTTPListenAddr string        `yaml:"http_listen_address,omitempty"`
	ShutdownDelay  time.Duration `yaml:"shutdown_delay,omitempty"`

	Service service.Config `yaml:"service,omitempty"`
}

// RegisterFlagsAndApplyDefaults registers flags, following
// cmd/tempo/app/config.go's pattern of a top-level flag.FlagSet plus
// one RegisterFlagsAndApplyDefaults call per embedded component Config.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.LogLevel, prefix+"log.level", "info", "Logging level: debug, info, warn, or error.")
	f.StringVar(&c.HTTPListenAddr, prefix+"http-listen-address", ":3200", "Address the debug HTTP server listens on.")
	f.DurationVar(&c.ShutdownDelay, prefix+"shutdown-delay", 0, "How long to wait between SIGTERM and shutdown.")

	c.Service.RegisterFlagsAndApplyDefaults(prefix, f)
}

// CheckConfig returns a list of warnings for suspect configurations,
// mirroring app.Config.CheckConfig in the teacher.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning
	if c.Service.TickInterval > time.Second {
		warnings = append(warnings, ConfigWarning{
			Message: "service.tick-interval is unusually large",
			Explain: "flush and trigger timers are only evaluated once per tick; a large interval delays them.",
		})
	}
	return warnings
}

// ConfigWarning is one CheckConfig finding.
type ConfigWarning struct {
	Message string
	Explain string
}
