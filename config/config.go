package config

import (
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	mu sync.RWMutex `yaml:"-"`

	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Messaging    MessagingConfig    `yaml:"messaging"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Fleet        FleetConfig        `yaml:"fleet"`
	Web          WebConfig          `yaml:"web"`
}

// DatabaseConfig selects the repository backend: memory, sqlite or postgres.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MessagingConfig selects the bus transport: mqtt, kafka or memory.
type MessagingConfig struct {
	Backend      string      `yaml:"backend"`
	MQTT         MQTTConfig  `yaml:"mqtt"`
	Kafka        KafkaConfig `yaml:"kafka"`
	AsyncWorkers int         `yaml:"async_workers"`
	QueueSize    int         `yaml:"queue_size"`
}

type MQTTConfig struct {
	URL            string        `yaml:"url"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
}

type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	GroupID       string        `yaml:"group_id"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type OrchestratorConfig struct {
	MinCharge        float64       `yaml:"min_charge"`
	CruiseSpeedMps   float64       `yaml:"cruise_speed_mps"`
	GroundAllowanceS float64       `yaml:"ground_allowance_s"`
	HoldS            float64       `yaml:"hold_s"`
	TimeUnit         time.Duration `yaml:"time_unit"`
	UploadSettle     time.Duration `yaml:"upload_settle"`
	ArmSettle        time.Duration `yaml:"arm_settle"`
	LandSettle       time.Duration `yaml:"land_settle"`
	RequireAck       bool          `yaml:"require_ack"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
}

type FleetConfig struct {
	Base Position `yaml:"base"`
	// StaleAfter marks an IDLE vehicle OFFLINE when it has been silent this
	// long. Zero disables the sweep.
	StaleAfter time.Duration `yaml:"stale_after"`
}

type Position struct {
	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
	Alt float64 `yaml:"alt"`
}

type WebConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func Defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "memory",
			SQLite: SQLiteConfig{Path: "dronecore.db"},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "drones",
				User:     "drone",
				Password: "",
				SSLMode:  "disable",
			},
		},
		Redis: RedisConfig{
			Enabled: false,
			Address: "localhost:6379",
		},
		Messaging: MessagingConfig{
			Backend: "mqtt",
			MQTT: MQTTConfig{
				URL:            "mqtt://127.0.0.1:1883",
				ClientID:       "dronecore",
				KeepAlive:      30 * time.Second,
				ConnectTimeout: 5 * time.Second,
				PublishTimeout: 5 * time.Second,
				RetryInterval:  5 * time.Second,
			},
			Kafka: KafkaConfig{
				Brokers:       []string{"localhost:9092"},
				Topic:         "dronecore.bus",
				GroupID:       "dronecore",
				RetryInterval: 5 * time.Second,
			},
			AsyncWorkers: 64,
			QueueSize:    1024,
		},
		Orchestrator: OrchestratorConfig{
			MinCharge:        40,
			CruiseSpeedMps:   10,
			GroundAllowanceS: 60,
			HoldS:            3,
			TimeUnit:         time.Second,
			UploadSettle:     time.Second,
			ArmSettle:        200 * time.Millisecond,
			LandSettle:       2 * time.Second,
			RequireAck:       true,
			AckTimeout:       30 * time.Second,
		},
		Fleet: FleetConfig{
			Base:       Position{Lat: 52.0, Lon: 21.0, Alt: 30},
			StaleAfter: 2 * time.Minute,
		},
		Web: WebConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
	}
}

// Load reads a YAML file over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
