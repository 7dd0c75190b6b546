package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/ROki1988/learn-app-runner/internal/log"
	"github.com/ROki1988/learn-app-runner/internal/xerrors"
)

// EnvPrefix is prepended to upper-cased flag names: -log-level reads HELLO_LOG_LEVEL.
const EnvPrefix = "HELLO_"

type App struct {
	ConfigFile             string
	EnvFile                string
	Port                   int
	BindAddr               string
	AdminPort              int
	LogJSON                bool
	LogLevel               string
	StacktraceLevel        string
	IncludeErrorLinks      bool
	MaxErrorLinks          int
	EnableTracing          bool
	TraceExporter          string
	OTLPEndpoint           string
	TraceSample            float64
	EnablePprof            bool
	EnablePyroscope        bool
	PyroServer             string
	PyroTenantID           string
	RecomputeContentLength bool
	RateLimitRPS           float64
	RateLimitBurst         int
	TrustedHops            int
	DrainDelay             time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.ConfigFile, "config", "", "optional YAML file with flag-name keys, applied below env and cli")
	fs.StringVar(&c.EnvFile, "env-file", "", "optional dotenv file loaded into the environment before env lookup")
	fs.IntVar(&c.Port, "port", 3000, "listen TCP port (1..65535)")
	fs.IntVar(&c.Port, "p", 3000, "shorthand for -port")
	fs.StringVar(&c.BindAddr, "bind-addr", "0.0.0.0", "listen IP address")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port for metrics/health/pprof (0 disables)")
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Export traces to -trace-exporter")
	fs.StringVar(&c.TraceExporter, "trace-exporter", "otlp", "otlp|stdout")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 1.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", false, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.BoolVar(&c.RecomputeContentLength, "recompute-content-length", true, "Set Content-Length to the exact bytes sent")
	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 0, "per-ip requests per second (0 disables)")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 30, "per-ip burst size")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "trusted proxies in front of the server (X-Forwarded-For)")
	fs.DurationVar(&c.DrainDelay, "drain-delay", 5*time.Second, "time between failing readiness and closing listeners on shutdown")
}

// aliases maps shorthand flags to the flag they share storage with.
var aliases = map[string]string{"p": "port"}

// explicitFlags reports the flags set on the command line, counting a
// shorthand as setting its long form and vice versa.
func explicitFlags(fs *flag.FlagSet) map[string]bool {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	for short, long := range aliases {
		if explicit[short] || explicit[long] {
			explicit[short], explicit[long] = true, true
		}
	}
	return explicit
}

// Load parses args into a fresh App and layers dotenv, file and environment
// values under anything given on the command line.
// Precedence: cli flag > env var > config file > default.
func Load(fs *flag.FlagSet, args []string, logf func(string, ...any)) (App, error) {
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	if err := LoadDotenv(c.EnvFile); err != nil {
		return c, err
	}
	// file values go through fs.Set, which would otherwise make them look
	// like cli flags to the env pass
	explicit := explicitFlags(fs)
	if err := fillFromFile(fs, c.ConfigFile, explicit, logf); err != nil {
		return c, err
	}
	fillFromEnv(fs, EnvPrefix, explicit, logf)
	return c, nil
}

// LoadDotenv adds variables from path to the process environment without
// replacing variables that are already set. An empty path is a no-op.
func LoadDotenv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return xerrors.Wrapf(err, "load env file %s", path)
	}
	return nil
}

// fillFromFile sets flags not given on the CLI from a YAML file keyed by
// flag name. An empty path is a no-op.
func fillFromFile(fs *flag.FlagSet, path string, explicit map[string]bool, logf func(string, ...any)) error {
	if path == "" {
		return nil
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return xerrors.Wrapf(err, "load config file %s", path)
	}

	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if explicit[f.Name] || !k.Exists(f.Name) {
			return
		}
		if err := fs.Set(f.Name, k.String(f.Name)); err != nil {
			errs = append(errs, fmt.Errorf("%s: key %s: %w", path, f.Name, err))
		}
	})
	for _, key := range k.Keys() {
		if fs.Lookup(key) == nil && logf != nil {
			logf("config file %s: ignoring unknown key %q", path, key)
		}
	}
	return errors.Join(errs...)
}

// fillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
func fillFromEnv(fs *flag.FlagSet, prefix string, explicit map[string]bool, logf func(string, ...any)) {
	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT %d (must be 1..65535)", c.Port))
	}
	if net.ParseIP(c.BindAddr) == nil {
		errs = append(errs, fmt.Errorf("invalid BIND_ADDR %q (must be an IP address)", c.BindAddr))
	}
	if c.AdminPort < 0 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 0..65535)", c.AdminPort))
	}
	if c.AdminPort != 0 && c.AdminPort == c.Port {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and PORT must differ (both %d)", c.Port))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnableTracing {
		switch c.TraceExporter {
		case "stdout":
		case "otlp":
			// grpc exporter wants host:port, no scheme
			if c.OTLPEndpoint == "" {
				errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when TRACE_EXPORTER=otlp"))
			} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
				errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
			}
		default:
			errs = append(errs, fmt.Errorf("invalid TRACE_EXPORTER %q (must be otlp|stdout)", c.TraceExporter))
		}
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
	}

	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("invalid RATE_LIMIT_RPS %.2f (must be >= 0)", c.RateLimitRPS))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be >= 1 when rate limiting (got %d)", c.RateLimitBurst))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 8 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be 0..8 (got %d)", c.TrustedHops))
	}

	if c.DrainDelay < 0 || c.DrainDelay > 5*time.Minute {
		errs = append(errs, fmt.Errorf("DRAIN_DELAY must be 0..5m (got %s)", c.DrainDelay))
	}

	return errors.Join(errs...)
}
