package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"hwtelemetry/internal/sensors"
	"hwtelemetry/internal/telemetry"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

// Имена приемников в списке output
const (
	OutputConsole = "console"
	OutputJSON    = "json"
	OutputTUI     = "tui"
	OutputZabbix  = "zabbix"
	OutputDBus    = "dbus"
)

const envPrefix = "HWT_"

// Config содержит всю конфигурацию приложения
type Config struct {
	// Опрос
	Interval      time.Duration `toml:"interval"`
	SourceTimeout time.Duration `toml:"source_timeout"`
	CycleTimeout  time.Duration `toml:"cycle_timeout"`
	LogLevel      string        `toml:"log_level"`
	HealthPolicy  string        `toml:"health_policy"`

	// Источники
	Categories    []string `toml:"categories"`
	ExpectedCores int      `toml:"expected_cores"`
	SysfsRoot     string   `toml:"sysfs_root"`
	NvidiaSMI     string   `toml:"nvidia_smi"`

	// Приемники
	Outputs []string `toml:"outputs"`

	// Zabbix настройки
	ZabbixServer     string        `toml:"zabbix_server"`
	ZabbixPort       int           `toml:"zabbix_port"`
	ZabbixHost       string        `toml:"zabbix_host"`
	ZabbixTimeout    time.Duration `toml:"zabbix_timeout"`
	MaxRetries       int           `toml:"max_retries"`
	RetryBackoffBase time.Duration `toml:"retry_backoff_base"`

	// Профилирование
	ProfileEnable   bool   `toml:"profile"`
	ProfileHTTPPort int    `toml:"profile_http_port"`
	ProfileCPUFile  string `toml:"profile_cpu"`
	ProfileMemFile  string `toml:"profile_mem"`
	ProfileTime     int    `toml:"profile_time"`
}

// NewConfig создает новую конфигурацию с значениями по умолчанию
func NewConfig() *Config {
	return &Config{
		Interval:         time.Second,
		SourceTimeout:    750 * time.Millisecond,
		CycleTimeout:     0,
		LogLevel:         "info",
		HealthPolicy:     string(telemetry.PolicyLoad),
		Categories:       strings.Split(sensors.DefaultCapabilities.String(), ","),
		SysfsRoot:        "/sys",
		NvidiaSMI:        "nvidia-smi",
		Outputs:          []string{OutputConsole},
		ZabbixServer:     "localhost",
		ZabbixPort:       10051,
		ZabbixHost:       hostname(),
		ZabbixTimeout:    10 * time.Second,
		MaxRetries:       3,
		RetryBackoffBase: 1 * time.Second,
		ProfileEnable:    false,
		ProfileHTTPPort:  6060,
		ProfileTime:      30,
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "hwtelemetry-host"
	}
	return name
}

// Load загружает конфигурацию: файл, переменные окружения, флаги
func (c *Config) Load(cmd *cobra.Command) error {
	path := os.Getenv(envPrefix + "CONFIG")
	if cmd.Flags().Changed("config") {
		path, _ = cmd.Flags().GetString("config")
	}
	if path != "" {
		if err := c.LoadFile(path); err != nil {
			return err
		}
	}

	if err := c.loadFromEnv(); err != nil {
		return err
	}

	c.loadFromFlags(cmd)

	return c.Validate()
}

// LoadFile накладывает значения из TOML файла. Отсутствующие ключи
// сохраняют текущие значения.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	md, err := toml.Decode(string(data), c)
	if err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown config key %q in %s", undecoded[0].String(), path)
	}
	return nil
}

func (c *Config) loadFromFlags(cmd *cobra.Command) {
	flags := cmd.Flags()

	if flags.Changed("interval") {
		c.Interval, _ = flags.GetDuration("interval")
	}
	if flags.Changed("source-timeout") {
		c.SourceTimeout, _ = flags.GetDuration("source-timeout")
	}
	if flags.Changed("cycle-timeout") {
		c.CycleTimeout, _ = flags.GetDuration("cycle-timeout")
	}
	if flags.Changed("log-level") {
		c.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("policy") {
		c.HealthPolicy, _ = flags.GetString("policy")
	}
	if flags.Changed("categories") {
		c.Categories, _ = flags.GetStringSlice("categories")
	}
	if flags.Changed("expected-cores") {
		c.ExpectedCores, _ = flags.GetInt("expected-cores")
	}
	if flags.Changed("sysfs-root") {
		c.SysfsRoot, _ = flags.GetString("sysfs-root")
	}
	if flags.Changed("nvidia-smi") {
		c.NvidiaSMI, _ = flags.GetString("nvidia-smi")
	}
	if flags.Changed("output") {
		c.Outputs, _ = flags.GetStringSlice("output")
	}
	if flags.Changed("zabbix-server") {
		c.ZabbixServer, _ = flags.GetString("zabbix-server")
	}
	if flags.Changed("zabbix-port") {
		c.ZabbixPort, _ = flags.GetInt("zabbix-port")
	}
	if flags.Changed("zabbix-host") {
		c.ZabbixHost, _ = flags.GetString("zabbix-host")
	}
	if flags.Changed("zabbix-timeout") {
		c.ZabbixTimeout, _ = flags.GetDuration("zabbix-timeout")
	}
	if flags.Changed("max-retries") {
		c.MaxRetries, _ = flags.GetInt("max-retries")
	}
	if flags.Changed("profile") {
		c.ProfileEnable, _ = flags.GetBool("profile")
	}
	if flags.Changed("profile-http-port") {
		c.ProfileHTTPPort, _ = flags.GetInt("profile-http-port")
	}
	if flags.Changed("profile-cpu") {
		c.ProfileCPUFile, _ = flags.GetString("profile-cpu")
	}
	if flags.Changed("profile-mem") {
		c.ProfileMemFile, _ = flags.GetString("profile-mem")
	}
	if flags.Changed("profile-time") {
		c.ProfileTime, _ = flags.GetInt("profile-time")
	}
}

// loadFromEnv загружает конфигурацию из переменных окружения HWT_*
func (c *Config) loadFromEnv() error {
	durations := map[string]*time.Duration{
		"INTERVAL":           &c.Interval,
		"SOURCE_TIMEOUT":     &c.SourceTimeout,
		"CYCLE_TIMEOUT":      &c.CycleTimeout,
		"ZABBIX_TIMEOUT":     &c.ZabbixTimeout,
		"RETRY_BACKOFF_BASE": &c.RetryBackoffBase,
	}
	for name, dst := range durations {
		if v := os.Getenv(envPrefix + name); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, name, err)
			}
			*dst = d
		}
	}

	ints := map[string]*int{
		"EXPECTED_CORES":    &c.ExpectedCores,
		"ZABBIX_PORT":       &c.ZabbixPort,
		"MAX_RETRIES":       &c.MaxRetries,
		"PROFILE_HTTP_PORT": &c.ProfileHTTPPort,
		"PROFILE_TIME":      &c.ProfileTime,
	}
	for name, dst := range ints {
		if v := os.Getenv(envPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, name, err)
			}
			*dst = n
		}
	}

	strs := map[string]*string{
		"LOG_LEVEL":     &c.LogLevel,
		"HEALTH_POLICY": &c.HealthPolicy,
		"SYSFS_ROOT":    &c.SysfsRoot,
		"NVIDIA_SMI":    &c.NvidiaSMI,
		"ZABBIX_SERVER": &c.ZabbixServer,
		"ZABBIX_HOST":   &c.ZabbixHost,
		"PROFILE_CPU":   &c.ProfileCPUFile,
		"PROFILE_MEM":   &c.ProfileMemFile,
	}
	for name, dst := range strs {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv(envPrefix + "CATEGORIES"); v != "" {
		c.Categories = splitList(v)
	}
	if v := os.Getenv(envPrefix + "OUTPUT"); v != "" {
		c.Outputs = splitList(v)
	}
	if v := os.Getenv(envPrefix + "PROFILE"); v != "" {
		enable, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sPROFILE: %w", envPrefix, err)
		}
		c.ProfileEnable = enable
	}
	return nil
}

// parseDuration принимает "1500ms", "2s" или целое число секунд
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate проверяет корректность конфигурации
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.SourceTimeout <= 0 {
		return fmt.Errorf("source timeout must be positive")
	}
	if c.CycleTimeout < 0 || c.CycleTimeout > c.Interval {
		return fmt.Errorf("cycle timeout must be between 0 and the interval (%s)", c.Interval)
	}

	// Проверяем уровень логирования
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	if _, err := telemetry.ParsePolicy(c.HealthPolicy); err != nil {
		return err
	}
	if _, err := sensors.ParseCapabilities(c.Categories); err != nil {
		return err
	}
	if c.ExpectedCores < 0 {
		return fmt.Errorf("expected cores must not be negative")
	}
	if c.SysfsRoot == "" {
		return fmt.Errorf("sysfs root is required")
	}

	if len(c.Outputs) == 0 {
		return fmt.Errorf("at least one output is required")
	}
	for _, out := range c.Outputs {
		switch out {
		case OutputConsole, OutputJSON, OutputTUI, OutputDBus:
		case OutputZabbix:
			if err := c.validateZabbix(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown output: %q", out)
		}
	}
	if c.HasOutput(OutputTUI) && (c.HasOutput(OutputConsole) || c.HasOutput(OutputJSON)) {
		return fmt.Errorf("tui output cannot be combined with console or json")
	}

	// Валидация профилирования
	if c.ProfileEnable {
		if c.ProfileHTTPPort <= 0 || c.ProfileHTTPPort > 65535 {
			return fmt.Errorf("invalid profile HTTP port: %d", c.ProfileHTTPPort)
		}
		if c.ProfileTime <= 0 {
			return fmt.Errorf("profile time must be positive")
		}
	}

	return nil
}

func (c *Config) validateZabbix() error {
	if c.ZabbixServer == "" {
		return fmt.Errorf("zabbix server is required")
	}
	if c.ZabbixPort <= 0 || c.ZabbixPort > 65535 {
		return fmt.Errorf("invalid zabbix port: %d", c.ZabbixPort)
	}
	if c.ZabbixHost == "" {
		return fmt.Errorf("zabbix host is required")
	}
	if c.ZabbixTimeout <= 0 {
		return fmt.Errorf("zabbix timeout must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive")
	}
	return nil
}

// HasOutput проверяет, включен ли приемник
func (c *Config) HasOutput(name string) bool {
	for _, out := range c.Outputs {
		if out == name {
			return true
		}
	}
	return false
}

// Capabilities включенные категории устройств; вызывать после Validate
func (c *Config) Capabilities() sensors.Capabilities {
	caps, _ := sensors.ParseCapabilities(c.Categories)
	return caps
}

// Policy политика классификации; вызывать после Validate
func (c *Config) Policy() telemetry.Policy {
	policy, _ := telemetry.ParsePolicy(c.HealthPolicy)
	return policy
}

// AddFlags добавляет флаги в cobra команду. Флаги общие для всех
// подкоманд.
func AddFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()

	flags.String("config", "", "Path to a TOML config file")
	flags.Duration("interval", time.Second, "Polling interval")
	flags.Duration("source-timeout", 750*time.Millisecond, "Timeout for a single source call")
	flags.Duration("cycle-timeout", 0, "Timeout for a whole cycle (0 means the interval)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("policy", string(telemetry.PolicyLoad), "Health policy (load, thermal)")
	flags.StringSlice("categories", nil, "Enabled device categories (cpu,gpu,memory,motherboard,controller,network,storage,psu,battery)")
	flags.Int("expected-cores", 0, "Expected logical core count (0 disables the check)")
	flags.String("sysfs-root", "/sys", "sysfs mount point")
	flags.String("nvidia-smi", "nvidia-smi", "Path to nvidia-smi (empty disables NVIDIA polling)")
	flags.StringSlice("output", []string{OutputConsole}, "Outputs (console, json, tui, zabbix, dbus)")

	// Флаги Zabbix
	flags.String("zabbix-server", "localhost", "Zabbix server or proxy address")
	flags.Int("zabbix-port", 10051, "Zabbix trapper port")
	flags.String("zabbix-host", "", "Host name in Zabbix")
	flags.Duration("zabbix-timeout", 10*time.Second, "Zabbix sender timeout")
	flags.Int("max-retries", 3, "Send attempts per snapshot")

	// Флаги профилирования
	flags.Bool("profile", false, "Enable profiling")
	flags.Int("profile-http-port", 6060, "HTTP port for pprof endpoints")
	flags.String("profile-cpu", "", "CPU profile output file")
	flags.String("profile-mem", "", "Memory profile output file")
	flags.Int("profile-time", 30, "CPU profile duration in seconds")
}
