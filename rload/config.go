package rload

import (
	"encoding"
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ShoshinNikita/rload/pkg/rlog"
)

type Config struct {
	BuildInfo BuildInfo

	ConfigFile string

	ServerPort int
	Dir        string

	WorkersCount int
	QueueSize    int

	MemoryCacheSize         MiB
	MemoryCacheMaxEntrySize MiB

	DiskCacheSize   MiB
	DiskCacheMaxAge time.Duration
	DefaultExpiry   time.Duration

	TransportTimeout   time.Duration
	TransportRateLimit float64

	ScrollSettleWindow time.Duration

	LogLevel rlog.Level
}

type BuildInfo struct {
	ShortGitHash string
	CommitTime   string
}

type MiB int

func (mb MiB) Bytes() int64 {
	return int64(mb) << 20
}

func (mb MiB) String() string {
	text, _ := mb.MarshalText()
	return string(text)
}

func (mb MiB) MarshalText() (text []byte, err error) {
	if mb >= 1024 && mb%1024 == 0 {
		return []byte(strconv.Itoa(int(mb/1024)) + "Gi"), nil
	}
	return []byte(strconv.Itoa(int(mb)) + "Mi"), nil
}

func (mb *MiB) UnmarshalText(data []byte) error {
	text := string(data)

	mul := 1
	switch {
	case strings.HasSuffix(text, "Mi"):
	case strings.HasSuffix(text, "Gi"):
		mul = 1024
	default:
		return fmt.Errorf("valid suffixes: Mi, Gi")
	}
	n, err := strconv.Atoi(text[:len(text)-2])
	if err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}

	*mb = MiB(n * mul)
	return nil
}

type flagParams struct {
	// p is a pointer to a value.
	p            any
	defaultValue any
	desc         string
}

func (cfg *Config) getFlagParams() map[string]flagParams {
	return map[string]flagParams{
		"config": {
			p: &cfg.ConfigFile, defaultValue: "", desc: "" +
				"Path to a YAML file with flag values, optional. Keys are flag names,\n" +
				"flags passed on the command line take precedence",
		},
		"port": {
			p: &cfg.ServerPort, defaultValue: 8080, desc: "Server port",
		},
		"dir": {
			p: &cfg.Dir, defaultValue: "./var", desc: "Directory for app data (persistent cache and etc.)",
		},
		//
		"workers-count": {
			p: &cfg.WorkersCount, defaultValue: runtime.NumCPU(), desc: "Number of workers that fetch and decode resources",
		},
		"queue-size": {
			p: &cfg.QueueSize, defaultValue: 10_000, desc: "Max number of queued fetches, new fetches fail when the queue is full",
		},
		//
		"memory-cache-size": {
			p: &cfg.MemoryCacheSize, defaultValue: MiB(64), desc: "Max total weight of decoded resources kept in memory",
		},
		"memory-cache-max-entry-size": {
			p: &cfg.MemoryCacheMaxEntrySize, defaultValue: MiB(0), desc: "" +
				"Max weight of a single decoded resource kept in memory,\n" +
				"0 means a quarter of --memory-cache-size",
		},
		"disk-cache-size": {
			p: &cfg.DiskCacheSize, defaultValue: MiB(500), desc: "Max total size of the persistent cache",
		},
		"disk-cache-max-age": {
			p: &cfg.DiskCacheMaxAge, defaultValue: 30 * 24 * time.Hour, desc: "Persistent cache entries older than this are removed by the cleaner",
		},
		"default-expiry": {
			p: &cfg.DefaultExpiry, defaultValue: time.Duration(0), desc: "" +
				"Default max age of persistent entries served by the API,\n" +
				"0 means entries never expire",
		},
		//
		"transport-timeout": {
			p: &cfg.TransportTimeout, defaultValue: 30 * time.Second, desc: "Timeout of a single fetch",
		},
		"transport-rate-limit": {
			p: &cfg.TransportRateLimit, defaultValue: float64(0), desc: "Max number of fetches per second, 0 means no limit",
		},
		//
		"scroll-settle-window": {
			p: &cfg.ScrollSettleWindow, defaultValue: 300 * time.Millisecond, desc: "Scrolling is considered settled after this time without events",
		},
		//
		"log-level": {
			p: &cfg.LogLevel, defaultValue: rlog.LevelInfo, desc: "Set the minimal log level. One of: debug, info, warn, error",
		},
	}
}

func ParseConfig() (Config, error) {
	cfg, printVersion, err := parseConfig(flag.CommandLine, os.Args[1:])
	if printVersion {
		cfg.BuildInfo.Print()
		os.Exit(0)
	}
	return cfg, err
}

func parseConfig(fs *flag.FlagSet, args []string) (cfg Config, printVersion bool, err error) {
	cfg = Config{
		BuildInfo: readBuildInfo(),
	}

	fs.BoolVar(&printVersion, "version", false, "Print version and exit")

	flags := cfg.getFlagParams()
	for name, params := range flags {
		switch p := params.p.(type) {
		case *bool:
			fs.BoolVar(p, name, params.defaultValue.(bool), params.desc)
		case *int:
			fs.IntVar(p, name, params.defaultValue.(int), params.desc)
		case *float64:
			fs.Float64Var(p, name, params.defaultValue.(float64), params.desc)
		case *string:
			fs.StringVar(p, name, params.defaultValue.(string), params.desc)
		case *time.Duration:
			fs.DurationVar(p, name, params.defaultValue.(time.Duration), params.desc)
		case encoding.TextUnmarshaler:
			fs.TextVar(p, name, params.defaultValue.(encoding.TextMarshaler), params.desc)
		default:
			return Config{}, false, fmt.Errorf("flag %q has unsupported type: %T", name, p)
		}
	}

	if err := fs.Parse(args); err != nil {
		return cfg, false, err
	}
	if printVersion {
		return cfg, true, nil
	}

	if cfg.ConfigFile != "" {
		if err := applyConfigFile(fs, cfg.ConfigFile); err != nil {
			return cfg, false, err
		}
	}

	if err := cfg.validate(); err != nil {
		return cfg, false, err
	}
	return cfg, false, nil
}

// applyConfigFile sets flags from a YAML file. Flags passed explicitly are not overridden.
func applyConfigFile(fs *flag.FlagSet, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("couldn't read config file: %w", err)
	}

	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("couldn't parse config file %q: %w", path, err)
	}

	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		if name == "config" || name == "version" {
			return fmt.Errorf("config file can't set %q", name)
		}
		if fs.Lookup(name) == nil {
			return fmt.Errorf("config file has unknown key %q", name)
		}
		if explicit[name] {
			continue
		}
		if err := fs.Set(name, fmt.Sprint(values[name])); err != nil {
			return fmt.Errorf("invalid value of %q in config file: %w", name, err)
		}
	}
	return nil
}

func (cfg Config) validate() error {
	if cfg.ServerPort == 0 {
		return errors.New("server port must be > 0")
	}
	if cfg.Dir == "" {
		return errors.New("dir can't be empty")
	}
	if cfg.WorkersCount <= 0 {
		return errors.New("workers count must be > 0")
	}
	if cfg.QueueSize <= 0 {
		return errors.New("queue size must be > 0")
	}
	if cfg.MemoryCacheSize <= 0 {
		return errors.New("memory cache size must be > 0")
	}
	if cfg.MemoryCacheMaxEntrySize > cfg.MemoryCacheSize {
		return errors.New("memory cache max entry size can't be greater than memory cache size")
	}
	if cfg.DefaultExpiry < 0 {
		return errors.New("default expiry can't be negative")
	}
	if cfg.TransportRateLimit < 0 {
		return errors.New("transport rate limit can't be negative")
	}
	return nil
}

func readBuildInfo() BuildInfo {
	res := BuildInfo{
		ShortGitHash: "unknown",
		CommitTime:   "unknown",
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return res
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			res.ShortGitHash = s.Value
			if len(res.ShortGitHash) > 7 {
				res.ShortGitHash = res.ShortGitHash[:7]
			}

		case "vcs.time":
			t, err := time.Parse(time.RFC3339, s.Value)
			if err == nil {
				res.CommitTime = t.UTC().Format("2006-01-02 15:04:05 UTC")
			}
		}
	}
	return res
}

func (info BuildInfo) Print() {
	fmt.Fprintf(os.Stderr, `
    rload - resource loading pipeline

    Commit Hash: %q
    Commit Time: %q

`,
		info.ShortGitHash,
		info.CommitTime,
	)
}

func (cfg Config) Print() {
	flags := cfg.getFlagParams()

	var (
		names         = make([]string, 0, len(flags))
		maxNameLength int
	)
	for name := range flags {
		if len(name) > maxNameLength {
			maxNameLength = len(name)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	fmt.Fprint(os.Stderr, "    Config:\n\n")
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "        --%-*s = %v\n", maxNameLength, name, reflect.ValueOf(flags[name].p).Elem())
	}
	fmt.Fprint(os.Stderr, "\n")
}
