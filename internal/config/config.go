package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/duke-git/lancet/v2/strutil"
	"gopkg.in/yaml.v3"

	"yqhp/ot2-agent/pkg/logger"
)

// Config represents the complete configuration for the lab agent.
type Config struct {
	Agent        AgentConfig        `yaml:"agent"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Transport    TransportConfig    `yaml:"transport"`
	Runtime      RuntimeConfig      `yaml:"runtime"`
	Lab          LabConfig          `yaml:"lab"`
	Logging      logger.Config      `yaml:"logging"`
}

// AgentConfig identifies this agent towards the orchestrator.
type AgentConfig struct {
	Name       string `yaml:"name" env:"OT2_AGENT_NAME"`
	InstanceID string `yaml:"instance_id" env:"OT2_INSTANCE_ID"`
}

// OrchestratorConfig holds what the endpoint collaborator would normally supply.
type OrchestratorConfig struct {
	URL   string `yaml:"url" env:"OT2_ORCHESTRATOR_URL"`
	Token string `yaml:"token" env:"OT2_ORCHESTRATOR_TOKEN"`
}

// TransportConfig holds connection, reconnect and buffering settings.
type TransportConfig struct {
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout" env:"OT2_HANDSHAKE_TIMEOUT"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval" env:"OT2_RECONNECT_INTERVAL"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval" env:"OT2_MAX_RECONNECT_INTERVAL"`
	// MaxReconnectAttempts is the retry budget; 0 means unlimited.
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" env:"OT2_MAX_RECONNECT_ATTEMPTS"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" env:"OT2_HEARTBEAT_INTERVAL"`
	HeartbeatMisses      int           `yaml:"heartbeat_misses" env:"OT2_HEARTBEAT_MISSES"`
	OutboundBuffer       int           `yaml:"outbound_buffer" env:"OT2_OUTBOUND_BUFFER"`
}

// RuntimeConfig holds scheduler settings.
type RuntimeConfig struct {
	WorkerPoolSize int           `yaml:"worker_pool_size" env:"OT2_WORKER_POOL_SIZE"`
	CancelGrace    time.Duration `yaml:"cancel_grace" env:"OT2_CANCEL_GRACE"`
	ProgressWindow time.Duration `yaml:"progress_window" env:"OT2_PROGRESS_WINDOW"`
	LogFloor       string        `yaml:"log_floor" env:"OT2_LOG_FLOOR"`
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"OT2_DEFAULT_TIMEOUT"`
	ParallelGroups []string      `yaml:"parallel_groups" env:"OT2_PARALLEL_GROUPS"`
}

// LabConfig holds settings of the OT-2 protocol stubs.
type LabConfig struct {
	Robot         string        `yaml:"robot" env:"OT2_ROBOT"`
	Simulate      bool          `yaml:"simulate" env:"OT2_SIMULATE"`
	WashDuration  time.Duration `yaml:"wash_duration" env:"OT2_WASH_DURATION"`
	StainDuration time.Duration `yaml:"stain_duration" env:"OT2_STAIN_DURATION"`
	DummyDuration time.Duration `yaml:"dummy_duration" env:"OT2_DUMMY_DURATION"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Name: "ot2-agent",
		},
		Orchestrator: OrchestratorConfig{
			URL: "ws://localhost:8090/agi",
		},
		Transport: TransportConfig{
			HandshakeTimeout:     10 * time.Second,
			ReconnectInterval:    1 * time.Second,
			MaxReconnectInterval: 60 * time.Second,
			MaxReconnectAttempts: 0, // Unlimited
			HeartbeatInterval:    30 * time.Second,
			HeartbeatMisses:      3,
			OutboundBuffer:       1000,
		},
		Runtime: RuntimeConfig{
			WorkerPoolSize: 4,
			CancelGrace:    2 * time.Second,
			ProgressWindow: 200 * time.Millisecond,
			LogFloor:       "info",
			ParallelGroups: []string{},
		},
		Lab: LabConfig{
			Robot:         "ot2",
			Simulate:      true,
			WashDuration:  2 * time.Second,
			StainDuration: 4 * time.Second,
			DummyDuration: 500 * time.Millisecond,
		},
		Logging: *logger.DefaultConfig(),
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	cmdArgs    map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		cmdArgs: make(map[string]string),
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithCmdArgs sets command-line arguments for configuration override.
// Keys use dot notation, e.g. "runtime.worker_pool_size".
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("从文件加载配置失败: %w", err)
		}
	}

	if err := applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return nil, fmt.Errorf("设置配置值 %s 失败: %w", key, err)
		}
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File doesn't exist, use defaults
		}
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}

	return nil
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("从环境变量 %s 设置字段 %s 失败: %w", envTag, fieldType.Name, err)
		}
	}

	return nil
}

// setConfigValue sets a configuration value by dot-notation path over yaml keys.
func setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		field, ok := fieldByYAMLKey(v, part)
		if !ok {
			return fmt.Errorf("未知的配置路径: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}

		if field.Kind() != reflect.Struct {
			return fmt.Errorf("期望 %s 是结构体，实际是 %s", part, field.Kind())
		}
		v = field
	}

	return nil
}

// fieldByYAMLKey finds the struct field whose yaml tag equals key.
func fieldByYAMLKey(v reflect.Value, key string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == key || strings.EqualFold(t.Field(i).Name, key) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue parses value into one of the field types Config uses.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanAddr() {
		return fmt.Errorf("无法设置字段")
	}

	var err error
	switch p := field.Addr().Interface().(type) {
	case *string:
		*p = value
	case *time.Duration:
		*p, err = time.ParseDuration(value)
	case *int:
		*p, err = strconv.Atoi(value)
	case *bool:
		*p, err = strconv.ParseBool(value)
	case *[]string:
		*p = strutil.SplitAndTrim(value, ",")
	default:
		return fmt.Errorf("不支持的字段类型: %s", field.Type())
	}
	if err != nil {
		return fmt.Errorf("无效的值 %q: %w", value, err)
	}
	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration from bytes.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}
