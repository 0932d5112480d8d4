package usbip

import (
	"flag"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

// Config is the daemon's process configuration: flag defaults overlaid by
// a .env file (if present) and then by the command line, in that order.
type Config struct {
	ListenAddr string
	BusID      string
	LogLevel   string
}

// LoadEnv loads a .env file from the working directory into the process
// environment. A missing file is not an error — most deployments configure
// entirely via flags or real environment variables.
func LoadEnv(log *slog.Logger) {
	if err := godotenv.Load(); err != nil {
		log.Debug("usbip: no .env file loaded", "err", err)
	}
}

// ParseFlags builds a Config from environment defaults and command-line
// flags. Call once, before Serve.
func ParseFlags(args []string, log *slog.Logger) *Config {
	LoadEnv(log)

	cfg := &Config{
		ListenAddr: envOr("USBIPD_LISTEN", ":3240"),
		BusID:      envOr("USBIPD_BUSID", "1-1"),
		LogLevel:   envOr("USBIPD_LOG_LEVEL", "info"),
	}

	fs := flag.NewFlagSet("usbipd", flag.ExitOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address to accept USB/IP connections on")
	fs.StringVar(&cfg.BusID, "busid", cfg.BusID, "bus id under which the demo peripheral is exported")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.Parse(args)

	return cfg
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// SlogLevel parses LogLevel, defaulting to info on an unrecognized value.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
