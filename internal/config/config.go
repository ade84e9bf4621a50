// Package config загружает конфигурацию AgentQueue.
//
// Источники в порядке приоритета:
//  1. переменные окружения (RABBITMQ_URL, DB_URL, MAX_CONCURRENT_TASKS, ...)
//  2. файл YAML или TOML (формат по расширению), ${VAR} внутри файла раскрываются
//  3. значения по умолчанию
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/shaiso/AgentQueue/internal/mq"
	"github.com/shaiso/AgentQueue/internal/processor"
	"github.com/shaiso/AgentQueue/internal/repo"
	"github.com/shaiso/AgentQueue/internal/worker"
)

// Config — конфигурация воркера, API и CLI.
type Config struct {
	// AMQPURL — адрес RabbitMQ.
	AMQPURL string `yaml:"amqp_url" toml:"amqp_url"`

	// ConsumerGroup — имя очереди запросов, общей для всех воркеров группы.
	ConsumerGroup string `yaml:"consumer_group" toml:"consumer_group"`

	Store   StoreConfig   `yaml:"store" toml:"store"`
	Queues  QueueConfig   `yaml:"queues" toml:"queues"`
	Worker  WorkerConfig  `yaml:"worker" toml:"worker"`
	Sweeper SweeperConfig `yaml:"sweeper" toml:"sweeper"`
	API     APIConfig     `yaml:"api" toml:"api"`

	// Processors — процессоры по тегу.
	Processors map[string]processor.Spec `yaml:"processors" toml:"processors"`
}

// StoreConfig — хранилище записей task.
type StoreConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// QueueConfig — имена exchanges и очередей.
type QueueConfig struct {
	RequestExchange   string `yaml:"request_exchange" toml:"request_exchange"`
	RequestRoutingKey string `yaml:"request_routing_key" toml:"request_routing_key"`
	ResultExchange    string `yaml:"result_exchange" toml:"result_exchange"`
	ResultQueue       string `yaml:"result_queue" toml:"result_queue"`
	ResultRoutingKey  string `yaml:"result_routing_key" toml:"result_routing_key"`
	DLXExchange       string `yaml:"dlx_exchange" toml:"dlx_exchange"`
}

// WorkerConfig — настройки Dispatcher'а.
type WorkerConfig struct {
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks" toml:"max_concurrent_tasks"`
	Prefetch           int           `yaml:"prefetch" toml:"prefetch"`
	AcquireTimeout     time.Duration `yaml:"acquire_timeout" toml:"acquire_timeout"`
	ExecutionTimeout   time.Duration `yaml:"execution_timeout" toml:"execution_timeout"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace" toml:"shutdown_grace"`
	FinalizeTimeout    time.Duration `yaml:"finalize_timeout" toml:"finalize_timeout"`
	DefaultProcessor   string        `yaml:"default_processor" toml:"default_processor"`
	Port               string        `yaml:"port" toml:"port"`
}

// SweeperConfig — настройки Sweeper'а.
type SweeperConfig struct {
	Disabled   bool          `yaml:"disabled" toml:"disabled"`
	Schedule   string        `yaml:"schedule" toml:"schedule"`
	StaleAfter time.Duration `yaml:"stale_after" toml:"stale_after"`
	BatchSize  int           `yaml:"batch_size" toml:"batch_size"`
}

// APIConfig — настройки intake API.
type APIConfig struct {
	Port string `yaml:"port" toml:"port"`
}

// Default возвращает конфигурацию для локальной разработки.
func Default() *Config {
	return &Config{
		AMQPURL:       mq.DefaultURL(),
		ConsumerGroup: mq.DefaultConsumerGroup,
		Store: StoreConfig{
			Driver: repo.DriverPostgres,
			DSN:    repo.DefaultPostgresDSN,
		},
		Worker: WorkerConfig{
			MaxConcurrentTasks: 10,
			ShutdownGrace:      30 * time.Second,
			FinalizeTimeout:    10 * time.Second,
			DefaultProcessor:   processor.TypeMock,
			Port:               "8082",
		},
		Sweeper: SweeperConfig{
			Schedule:   worker.DefaultSweepSchedule,
			StaleAfter: time.Minute,
			BatchSize:  100,
		},
		API: APIConfig{
			Port: "8080",
		},
	}
}

// Load читает конфигурацию из path (может быть пустым),
// применяет переменные окружения и проверяет результат.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile разбирает файл поверх текущих значений.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	interpolated := interpolateEnv(string(data))

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
			return fmt.Errorf("%w: parse YAML %s: %v", ErrInvalidConfig, path, err)
		}
	case ".toml":
		if _, err := toml.Decode(interpolated, cfg); err != nil {
			return fmt.Errorf("%w: parse TOML %s: %v", ErrInvalidConfig, path, err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnv заменяет ${VAR} значениями окружения.
// Неизвестные переменные остаются как есть.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

// ApplyEnvOverrides применяет переменные окружения.
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("RABBITMQ_URL"); v != "" {
		c.AMQPURL = v
	}
	if v := os.Getenv("CONSUMER_GROUP"); v != "" {
		c.ConsumerGroup = v
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("DB_URL"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("MAX_CONCURRENT_TASKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: MAX_CONCURRENT_TASKS=%q", ErrInvalidConfig, v)
		}
		c.Worker.MaxConcurrentTasks = n
	}
	if v := os.Getenv("DEFAULT_PROCESSOR"); v != "" {
		c.Worker.DefaultProcessor = v
	}
	if v := os.Getenv("SHUTDOWN_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: SHUTDOWN_GRACE=%q", ErrInvalidConfig, v)
		}
		c.Worker.ShutdownGrace = d
	}
	if v := os.Getenv("WORKER_PORT"); v != "" {
		c.Worker.Port = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		c.API.Port = v
	}
	if v := os.Getenv("SWEEP_SCHEDULE"); v != "" {
		c.Sweeper.Schedule = v
	}

	// Ключи LLM-провайдеров для процессоров без api_key.
	keys := map[string]string{
		processor.TypeOpenAI:    os.Getenv("OPENAI_API_KEY"),
		processor.TypeAnthropic: os.Getenv("ANTHROPIC_API_KEY"),
	}
	for tag, spec := range c.Processors {
		spec.Tag = tag
		if key := keys[spec.Kind()]; spec.APIKey == "" && key != "" {
			spec.APIKey = key
			c.Processors[tag] = spec
		}
	}
	return nil
}

// fillDefaults заполняет то, что файл мог обнулить.
func (c *Config) fillDefaults() {
	d := Default()
	if c.Store.Driver == "" {
		c.Store.Driver = d.Store.Driver
	}
	if c.Worker.MaxConcurrentTasks <= 0 {
		c.Worker.MaxConcurrentTasks = d.Worker.MaxConcurrentTasks
	}
	if c.Worker.Prefetch <= 0 {
		c.Worker.Prefetch = c.Worker.MaxConcurrentTasks
	}
	if c.Worker.ShutdownGrace <= 0 {
		c.Worker.ShutdownGrace = d.Worker.ShutdownGrace
	}
	if c.Worker.FinalizeTimeout <= 0 {
		c.Worker.FinalizeTimeout = d.Worker.FinalizeTimeout
	}
	if c.Worker.DefaultProcessor == "" {
		c.Worker.DefaultProcessor = d.Worker.DefaultProcessor
	}
	if c.Worker.Port == "" {
		c.Worker.Port = d.Worker.Port
	}
	if c.Sweeper.Schedule == "" {
		c.Sweeper.Schedule = d.Sweeper.Schedule
	}
	if c.Sweeper.StaleAfter <= 0 {
		c.Sweeper.StaleAfter = d.Sweeper.StaleAfter
	}
	if c.Sweeper.BatchSize <= 0 {
		c.Sweeper.BatchSize = d.Sweeper.BatchSize
	}
	if c.API.Port == "" {
		c.API.Port = d.API.Port
	}

	// Без секции processors доступны встроенные mock и echo.
	if len(c.Processors) == 0 {
		c.Processors = map[string]processor.Spec{
			processor.TypeMock: {},
			processor.TypeEcho: {},
		}
	}
}

// Validate проверяет обязательные поля.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AMQPURL) == "" {
		return fmt.Errorf("%w: amqp_url", ErrMissingField)
	}
	if strings.TrimSpace(c.ConsumerGroup) == "" {
		return fmt.Errorf("%w: consumer_group", ErrMissingField)
	}

	switch c.Store.Driver {
	case repo.DriverMemory:
	case repo.DriverPostgres, repo.DriverSQLite:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("%w: store.dsn", ErrMissingField)
		}
	default:
		return fmt.Errorf("%w: store.driver %q", ErrInvalidConfig, c.Store.Driver)
	}

	if c.Worker.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("%w: worker.max_concurrent_tasks must be positive", ErrInvalidConfig)
	}
	if _, ok := c.Processors[c.Worker.DefaultProcessor]; !ok {
		return fmt.Errorf("%w: default processor %q is not configured", ErrInvalidConfig, c.Worker.DefaultProcessor)
	}
	if !c.Sweeper.Disabled {
		if err := worker.ValidateSchedule(c.Sweeper.Schedule); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Topology возвращает топологию брокера.
func (c *Config) Topology() mq.Topology {
	return mq.Topology{
		RequestExchange:   c.Queues.RequestExchange,
		RequestRoutingKey: c.Queues.RequestRoutingKey,
		ConsumerGroup:     c.ConsumerGroup,
		ResultExchange:    c.Queues.ResultExchange,
		ResultQueue:       c.Queues.ResultQueue,
		ResultRoutingKey:  c.Queues.ResultRoutingKey,
		DLXExchange:       c.Queues.DLXExchange,
	}.WithDefaults()
}

// ProcessorSpecs возвращает спецификации процессоров с тегами, отсортированные по тегу.
func (c *Config) ProcessorSpecs() []processor.Spec {
	tags := make([]string, 0, len(c.Processors))
	for tag := range c.Processors {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	specs := make([]processor.Spec, 0, len(tags))
	for _, tag := range tags {
		spec := c.Processors[tag]
		spec.Tag = tag
		specs = append(specs, spec)
	}
	return specs
}
