package config

import (
	"fmt"
	"net"
	"time"
)

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_INMEM StorageType = "memory"

type GatewayType string

const GATEWAY_TYPE_LOCAL GatewayType = "local"
const GATEWAY_TYPE_GRPC GatewayType = "grpc"

type LogSinkType string

const LOG_SINK_STORE LogSinkType = "store"
const LOG_SINK_POSTGRES LogSinkType = "postgres"

type EventBusType string

const EVENT_BUS_MEMORY EventBusType = "memory"
const EVENT_BUS_KAFKA EventBusType = "kafka"

type Config struct {
	LogLevel        string
	StorageType     StorageType
	RedisConfig     RedisStorageConfig
	HttpPort        int
	EngineConfig    EngineConfig
	SchedulerConfig SchedulerConfig
	GatewayConfig   GatewayConfig
	LogSinkConfig   LogSinkConfig
	AnalyticsConfig AnalyticsConfig
	EventBusConfig  EventBusConfig
	RetentionConfig RetentionConfig
	ClusterConfig   ClusterConfig
}

type RedisStorageConfig struct {
	Addrs      []string
	MasterName string
	Namespace  string
	Password   string
	DB         int
	PoolSize   int
}

type EngineConfig struct {
	WorkerCount         int
	WorkerCapacity      int
	LeaseTTL            time.Duration
	LoopLimit           int
	MaxSubflowDepth     int
	ActionMaxAttempts   int
	RetryInitial        time.Duration
	RetryMax            time.Duration
	AsyncGracePeriod    time.Duration
	AccountTimezone     string
	EnrollConcurrency   int
	FlowCacheExpiration time.Duration
}

type SchedulerConfig struct {
	PollInterval      time.Duration
	BatchSize         int
	VisibilityTimeout time.Duration
}

type GatewayConfig struct {
	Type    GatewayType
	Address string
	Timeout time.Duration
}

type LogSinkConfig struct {
	Type        LogSinkType
	PostgresURL string
}

type AnalyticsConfig struct {
	AuditFile string
}

type EventBusConfig struct {
	Type         EventBusType
	KafkaBrokers []string
	Topic        string
	GroupId      string
}

type RetentionConfig struct {
	Days     int
	Schedule string
}

type ClusterConfig struct {
	NodeName       string
	BindAddr       string
	Tags           map[string]string
	StartJoinAddrs []string
	PartitionCount int
}

func (c Config) HttpAddr() string {
	return fmt.Sprintf(":%d", c.HttpPort)
}

// AdvertiseAddr is the HTTP address other members reach this node on.
func (c Config) AdvertiseAddr() (string, error) {
	host, _, err := net.SplitHostPort(c.ClusterConfig.BindAddr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", host, c.HttpPort), nil
}

func Default() Config {
	return Config{
		LogLevel:    "info",
		StorageType: STORAGE_TYPE_INMEM,
		RedisConfig: RedisStorageConfig{Addrs: []string{"localhost:6379"}, Namespace: "nurture"},
		HttpPort:    8080,
		EngineConfig: EngineConfig{
			WorkerCount:         8,
			WorkerCapacity:      1024,
			LeaseTTL:            30 * time.Second,
			LoopLimit:           1000,
			MaxSubflowDepth:     8,
			ActionMaxAttempts:   5,
			RetryInitial:        time.Second,
			RetryMax:            5 * time.Minute,
			AsyncGracePeriod:    time.Hour,
			AccountTimezone:     "UTC",
			EnrollConcurrency:   16,
			FlowCacheExpiration: time.Hour,
		},
		SchedulerConfig: SchedulerConfig{
			PollInterval:      time.Second,
			BatchSize:         100,
			VisibilityTimeout: time.Minute,
		},
		GatewayConfig:   GatewayConfig{Type: GATEWAY_TYPE_LOCAL, Timeout: 10 * time.Second},
		LogSinkConfig:   LogSinkConfig{Type: LOG_SINK_STORE},
		EventBusConfig:  EventBusConfig{Type: EVENT_BUS_MEMORY, Topic: "nurture.events", GroupId: "nurture"},
		RetentionConfig: RetentionConfig{Days: 90, Schedule: "0 3 * * *"},
		ClusterConfig:   ClusterConfig{NodeName: "nurture-1", PartitionCount: 16},
	}
}
