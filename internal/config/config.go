// Package config loads devdockd configuration from a YAML file with
// defaults suitable for a single-host deployment.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds daemon configuration paths and listener settings.
type Config struct {
	ConfigPath    string
	DataDir       string
	DBPath        string
	Listen        string
	MetricsListen string
	RedisAddr     string
	QueueKey      string
	JWTSecret     string
	JWTSecretPath string
	DockerNetwork string
	ImagePrefix   string
	PortCheckHost string
	VNCWebPort    int
}

// FileConfig represents supported YAML config overrides.
type FileConfig struct {
	DataDir       string `yaml:"data_dir"`
	DBPath        string `yaml:"db_path"`
	Listen        string `yaml:"listen"`
	MetricsListen string `yaml:"metrics_listen"`
	RedisAddr     string `yaml:"redis_addr"`
	QueueKey      string `yaml:"queue_key"`
	JWTSecret     string `yaml:"jwt_secret"`
	JWTSecretPath string `yaml:"jwt_secret_path"`
	DockerNetwork string `yaml:"docker_network"`
	ImagePrefix   string `yaml:"image_prefix"`
	PortCheckHost string `yaml:"port_check_host"`
	VNCWebPort    int    `yaml:"vnc_web_port"`
}

func DefaultConfig() Config {
	dataDir := "/var/lib/devdock"
	return Config{
		ConfigPath:    "/etc/devdock/config.yaml",
		DataDir:       dataDir,
		DBPath:        filepath.Join(dataDir, "devdock.db"),
		Listen:        "0.0.0.0:8000",
		MetricsListen: "",
		RedisAddr:     "127.0.0.1:6379",
		QueueKey:      "devdock:queue",
		JWTSecret:     "change-me-in-production",
		DockerNetwork: "d-gui-network",
		ImagePrefix:   "gui-vnc",
		PortCheckHost: "host.docker.internal",
		VNCWebPort:    6901,
	}
}

// Load reads the YAML config file and applies overrides to defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	applyFileConfig(&cfg, fileCfg)
	if fileCfg.DataDir != "" && fileCfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "devdock.db")
	}
	if cfg.JWTSecretPath != "" {
		secret, err := os.ReadFile(cfg.JWTSecretPath)
		if err != nil {
			return cfg, fmt.Errorf("read jwt secret %s: %w", cfg.JWTSecretPath, err)
		}
		cfg.JWTSecret = strings.TrimSpace(string(secret))
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) {
	if fileCfg.DataDir != "" {
		cfg.DataDir = fileCfg.DataDir
	}
	if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if fileCfg.Listen != "" {
		cfg.Listen = fileCfg.Listen
	}
	if fileCfg.MetricsListen != "" {
		cfg.MetricsListen = fileCfg.MetricsListen
	}
	if fileCfg.RedisAddr != "" {
		cfg.RedisAddr = fileCfg.RedisAddr
	}
	if fileCfg.QueueKey != "" {
		cfg.QueueKey = fileCfg.QueueKey
	}
	if fileCfg.JWTSecret != "" {
		cfg.JWTSecret = fileCfg.JWTSecret
	}
	if fileCfg.JWTSecretPath != "" {
		cfg.JWTSecretPath = fileCfg.JWTSecretPath
	}
	if fileCfg.DockerNetwork != "" {
		cfg.DockerNetwork = fileCfg.DockerNetwork
	}
	if fileCfg.ImagePrefix != "" {
		cfg.ImagePrefix = fileCfg.ImagePrefix
	}
	if fileCfg.PortCheckHost != "" {
		cfg.PortCheckHost = fileCfg.PortCheckHost
	}
	if fileCfg.VNCWebPort > 0 {
		cfg.VNCWebPort = fileCfg.VNCWebPort
	}
}

// Validate performs basic validation without exposing secrets.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen must be host:port: %w", err)
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must be localhost-only (got %q)", host)
		}
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis_addr is required")
	}
	if c.QueueKey == "" {
		return fmt.Errorf("queue_key is required")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	if c.DockerNetwork == "" {
		return fmt.Errorf("docker_network is required")
	}
	if c.ImagePrefix == "" {
		return fmt.Errorf("image_prefix is required")
	}
	if c.VNCWebPort <= 0 || c.VNCWebPort > 65535 {
		return fmt.Errorf("vnc_web_port must be a valid port")
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
