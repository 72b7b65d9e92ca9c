package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"vibedeck/internal/ports"
)

type configSource string

const (
	sourceDefault configSource = "default"
	sourceFile    configSource = "file"
	sourceEnv     configSource = "env"
	sourceFlag    configSource = "flag"
)

type Config struct {
	ListenPort      int
	Shell           string
	AuthToken       string
	DBPath          string
	WorkspaceRoot   string
	MuxPrefix       string
	DockerImage     string
	PortRangeStart  int
	PortRangeEnd    int
	BufferLines     int
	PreviewTTL      time.Duration
	CleanupInterval time.Duration
	LogLevel        string
	AllowedOrigins  []string
	RemoteHost      string
	RemoteUser      string
	RemotePort      int

	Sources map[string]configSource
}

// fileConfig mirrors the optional YAML config file. Pointer fields tell a
// value that was set apart from one that was omitted.
type fileConfig struct {
	Port            *int     `yaml:"port"`
	Shell           *string  `yaml:"shell"`
	AuthToken       *string  `yaml:"auth_token"`
	Database        *string  `yaml:"database"`
	Workspaces      *string  `yaml:"workspaces"`
	MuxPrefix       *string  `yaml:"mux_prefix"`
	DockerImage     *string  `yaml:"docker_image"`
	BufferLines     *int     `yaml:"buffer_lines"`
	PreviewTTL      *string  `yaml:"preview_ttl"`
	CleanupInterval *string  `yaml:"cleanup_interval"`
	LogLevel        *string  `yaml:"log_level"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	PortRange       *struct {
		Start *int `yaml:"start"`
		End   *int `yaml:"end"`
	} `yaml:"port_range"`
	Remote *struct {
		Host string `yaml:"host"`
		User string `yaml:"user"`
		Port int    `yaml:"port"`
	} `yaml:"remote"`
}

const defaultConfigFile = "vibedeck.yaml"

// loadConfig resolves configuration in precedence order: defaults, then the
// YAML file, then environment variables, then flags. Sources records where
// each field's value came from.
func loadConfig(args []string, getenv func(string) string) (Config, error) {
	cfg := Config{
		ListenPort:      8080,
		Shell:           "",
		DBPath:          "data/vibedeck.db",
		WorkspaceRoot:   "data/workspaces",
		MuxPrefix:       "vibedeck-",
		DockerImage:     "ubuntu:22.04",
		PortRangeStart:  ports.DefaultRangeStart,
		PortRangeEnd:    ports.DefaultRangeEnd,
		BufferLines:     1000,
		PreviewTTL:      24 * time.Hour,
		CleanupInterval: 30 * time.Second,
		LogLevel:        "info",
		Sources:         make(map[string]configSource),
	}
	for _, field := range []string{
		"port", "shell", "token", "db", "workspaces", "mux_prefix",
		"docker_image", "port_range_start", "port_range_end", "buffer_lines",
		"preview_ttl", "cleanup_interval", "log_level", "allowed_origins",
		"remote_host",
	} {
		cfg.Sources[field] = sourceDefault
	}

	flags := flag.NewFlagSet("vibedeck", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to YAML config file")
	flagPort := flags.Int("port", cfg.ListenPort, "HTTP listen port")
	flagShell := flags.String("shell", "", "shell for terminal sessions")
	flagToken := flags.String("token", "", "shared auth token")
	flagDB := flags.String("db", cfg.DBPath, "sqlite database path")
	flagWorkspaces := flags.String("workspaces", cfg.WorkspaceRoot, "preview workspace root")
	flagImage := flags.String("docker-image", cfg.DockerImage, "image for docker sessions")
	flagLogLevel := flags.String("log-level", cfg.LogLevel, "log level (debug|info|warning|error)")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	if err := applyConfigFile(&cfg, *configPath, getenv); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg, getenv)

	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.ListenPort = *flagPort
			cfg.Sources["port"] = sourceFlag
		case "shell":
			cfg.Shell = *flagShell
			cfg.Sources["shell"] = sourceFlag
		case "token":
			cfg.AuthToken = *flagToken
			cfg.Sources["token"] = sourceFlag
		case "db":
			cfg.DBPath = *flagDB
			cfg.Sources["db"] = sourceFlag
		case "workspaces":
			cfg.WorkspaceRoot = *flagWorkspaces
			cfg.Sources["workspaces"] = sourceFlag
		case "docker-image":
			cfg.DockerImage = *flagImage
			cfg.Sources["docker_image"] = sourceFlag
		case "log-level":
			cfg.LogLevel = *flagLogLevel
			cfg.Sources["log_level"] = sourceFlag
		}
	})

	if cfg.PortRangeStart <= 0 || cfg.PortRangeEnd < cfg.PortRangeStart {
		return Config{}, fmt.Errorf("invalid port range %d-%d", cfg.PortRangeStart, cfg.PortRangeEnd)
	}
	return cfg, nil
}

func applyConfigFile(cfg *Config, path string, getenv func(string) string) error {
	explicit := path != ""
	if path == "" {
		path = getenv("VIBEDECK_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = defaultConfigFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setInt := func(field string, target *int, value *int) {
		if value != nil {
			*target = *value
			cfg.Sources[field] = sourceFile
		}
	}
	setString := func(field string, target *string, value *string) {
		if value != nil {
			*target = *value
			cfg.Sources[field] = sourceFile
		}
	}

	setInt("port", &cfg.ListenPort, file.Port)
	setString("shell", &cfg.Shell, file.Shell)
	setString("token", &cfg.AuthToken, file.AuthToken)
	setString("db", &cfg.DBPath, file.Database)
	setString("workspaces", &cfg.WorkspaceRoot, file.Workspaces)
	setString("mux_prefix", &cfg.MuxPrefix, file.MuxPrefix)
	setString("docker_image", &cfg.DockerImage, file.DockerImage)
	setInt("buffer_lines", &cfg.BufferLines, file.BufferLines)
	setString("log_level", &cfg.LogLevel, file.LogLevel)
	if file.PortRange != nil {
		setInt("port_range_start", &cfg.PortRangeStart, file.PortRange.Start)
		setInt("port_range_end", &cfg.PortRangeEnd, file.PortRange.End)
	}
	if file.PreviewTTL != nil {
		ttl, err := time.ParseDuration(*file.PreviewTTL)
		if err != nil {
			return fmt.Errorf("parse preview_ttl: %w", err)
		}
		cfg.PreviewTTL = ttl
		cfg.Sources["preview_ttl"] = sourceFile
	}
	if file.CleanupInterval != nil {
		interval, err := time.ParseDuration(*file.CleanupInterval)
		if err != nil {
			return fmt.Errorf("parse cleanup_interval: %w", err)
		}
		cfg.CleanupInterval = interval
		cfg.Sources["cleanup_interval"] = sourceFile
	}
	if len(file.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = file.AllowedOrigins
		cfg.Sources["allowed_origins"] = sourceFile
	}
	if file.Remote != nil {
		cfg.RemoteHost = file.Remote.Host
		cfg.RemoteUser = file.Remote.User
		cfg.RemotePort = file.Remote.Port
		cfg.Sources["remote_host"] = sourceFile
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	setInt := func(field, key string, target *int) {
		if raw := getenv(key); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil {
				*target = parsed
				cfg.Sources[field] = sourceEnv
			}
		}
	}
	setString := func(field, key string, target *string) {
		if raw := strings.TrimSpace(getenv(key)); raw != "" {
			*target = raw
			cfg.Sources[field] = sourceEnv
		}
	}
	setDuration := func(field, key string, target *time.Duration) {
		if raw := getenv(key); raw != "" {
			if parsed, err := time.ParseDuration(raw); err == nil {
				*target = parsed
				cfg.Sources[field] = sourceEnv
			}
		}
	}

	setInt("port", "VIBEDECK_PORT", &cfg.ListenPort)
	setString("shell", "VIBEDECK_SHELL", &cfg.Shell)
	setString("token", "VIBEDECK_TOKEN", &cfg.AuthToken)
	setString("db", "VIBEDECK_DB", &cfg.DBPath)
	setString("workspaces", "VIBEDECK_WORKSPACES", &cfg.WorkspaceRoot)
	setString("mux_prefix", "VIBEDECK_MUX_PREFIX", &cfg.MuxPrefix)
	setString("docker_image", "VIBEDECK_DOCKER_IMAGE", &cfg.DockerImage)
	setInt("port_range_start", "VIBEDECK_PORT_RANGE_START", &cfg.PortRangeStart)
	setInt("port_range_end", "VIBEDECK_PORT_RANGE_END", &cfg.PortRangeEnd)
	setInt("buffer_lines", "VIBEDECK_BUFFER_LINES", &cfg.BufferLines)
	setDuration("preview_ttl", "VIBEDECK_PREVIEW_TTL", &cfg.PreviewTTL)
	setDuration("cleanup_interval", "VIBEDECK_CLEANUP_INTERVAL", &cfg.CleanupInterval)
	setString("log_level", "VIBEDECK_LOG_LEVEL", &cfg.LogLevel)
	if raw := getenv("VIBEDECK_ALLOWED_ORIGINS"); raw != "" {
		var origins []string
		for _, origin := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
		cfg.AllowedOrigins = origins
		cfg.Sources["allowed_origins"] = sourceEnv
	}
	setString("remote_host", "VIBEDECK_REMOTE_HOST", &cfg.RemoteHost)
	if raw := getenv("VIBEDECK_REMOTE_USER"); raw != "" {
		cfg.RemoteUser = raw
	}
	if raw := getenv("VIBEDECK_REMOTE_PORT"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			cfg.RemotePort = parsed
		}
	}
}
