package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mohitkumar/nurture/agent"
	"github.com/mohitkumar/nurture/config"
	"github.com/mohitkumar/nurture/container"
	"github.com/mohitkumar/nurture/flow"
	"github.com/mohitkumar/nurture/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type cli struct {
	cfg config.Config
}

func setupFlags(cmd *cobra.Command) error {
	d := config.Default()
	flags := cmd.PersistentFlags()
	flags.String("config-file", "", "Path to config file.")
	flags.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	flags.String("storage-impl", string(d.StorageType), "implementation of underline storage (redis, memory)")
	flags.String("redis-addr", strings.Join(d.RedisConfig.Addrs, ","), "comma separated list of redis host:port")
	flags.String("redis-master", "", "sentinel master name")
	flags.String("redis-password", "", "redis password")
	flags.Int("redis-db", 0, "redis database")
	flags.Int("redis-pool-size", 0, "redis connections per node, 0 for the client default")
	flags.String("namespace", d.RedisConfig.Namespace, "namespace used in storage")
	flags.Int("http-port", d.HttpPort, "http port for rest endpoints")
	flags.Int("worker-count", d.EngineConfig.WorkerCount, "number of step workers")
	flags.Int("worker-capacity", d.EngineConfig.WorkerCapacity, "queued work items per step worker")
	flags.Duration("lease-ttl", d.EngineConfig.LeaseTTL, "enrollment lease ttl")
	flags.Int("loop-limit", d.EngineConfig.LoopLimit, "goto visits allowed per enrollment")
	flags.Int("max-subflow-depth", d.EngineConfig.MaxSubflowDepth, "nested subflows allowed below a top-level enrollment")
	flags.Int("action-max-attempts", d.EngineConfig.ActionMaxAttempts, "attempts per action before it fails")
	flags.Duration("retry-initial", d.EngineConfig.RetryInitial, "first retry delay of a transient action failure")
	flags.Duration("retry-max", d.EngineConfig.RetryMax, "longest retry delay")
	flags.Duration("async-grace", d.EngineConfig.AsyncGracePeriod, "wait for an async action callback before moving on")
	flags.String("timezone", d.EngineConfig.AccountTimezone, "account timezone used by wait_delay until")
	flags.Int("enroll-concurrency", d.EngineConfig.EnrollConcurrency, "parallel enrollments of a bulk request")
	flags.Duration("flow-cache-expiration", d.EngineConfig.FlowCacheExpiration, "expiry of compiled flows in cache")
	flags.Duration("poll-interval", d.SchedulerConfig.PollInterval, "scheduler poll interval")
	flags.Int("batch-size", d.SchedulerConfig.BatchSize, "work items claimed per poll")
	flags.Duration("visibility-timeout", d.SchedulerConfig.VisibilityTimeout, "claimed work item visibility timeout")
	flags.String("gateway-impl", string(d.GatewayConfig.Type), "action gateway (local, grpc)")
	flags.String("gateway-addr", "", "grpc action gateway address")
	flags.Duration("gateway-timeout", d.GatewayConfig.Timeout, "action gateway call timeout")
	flags.String("log-sink", string(d.LogSinkConfig.Type), "execution log sink (store, postgres)")
	flags.String("postgres-url", "", "postgres url of the execution log sink")
	flags.String("audit-file", "", "json lines file receiving every execution log entry")
	flags.String("event-bus", string(d.EventBusConfig.Type), "event bus (memory, kafka)")
	flags.String("kafka-brokers", "", "comma separated list of kafka brokers")
	flags.String("event-topic", d.EventBusConfig.Topic, "topic carrying domain events")
	flags.String("consumer-group", d.EventBusConfig.GroupId, "kafka consumer group")
	flags.Int("retention-days", d.RetentionConfig.Days, "days terminal enrollments are kept before archival, 0 disables")
	flags.String("retention-schedule", d.RetentionConfig.Schedule, "cron schedule of the retention sweep")
	flags.String("node-name", d.ClusterConfig.NodeName, "unique name of this node in the cluster")
	flags.String("bind-addr", "", "gossip bind address, empty runs a single node")
	flags.String("join-addrs", "", "comma separated gossip addresses to join")
	flags.Int("partition-count", d.ClusterConfig.PartitionCount, "scheduler partitions")
	viper.SetEnvPrefix("NURTURE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	return viper.BindPFlags(flags)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	configFile := viper.GetString("config-file")
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			// it's ok if config file doesn't exist
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return err
			}
		}
	}

	c.cfg = config.Default()
	c.cfg.LogLevel = viper.GetString("log-level")
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.RedisConfig.Addrs = splitList(viper.GetString("redis-addr"))
	c.cfg.RedisConfig.MasterName = viper.GetString("redis-master")
	c.cfg.RedisConfig.Password = viper.GetString("redis-password")
	c.cfg.RedisConfig.DB = viper.GetInt("redis-db")
	c.cfg.RedisConfig.PoolSize = viper.GetInt("redis-pool-size")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.HttpPort = viper.GetInt("http-port")

	ec := &c.cfg.EngineConfig
	ec.WorkerCount = viper.GetInt("worker-count")
	ec.WorkerCapacity = viper.GetInt("worker-capacity")
	ec.LeaseTTL = viper.GetDuration("lease-ttl")
	ec.LoopLimit = viper.GetInt("loop-limit")
	ec.MaxSubflowDepth = viper.GetInt("max-subflow-depth")
	ec.ActionMaxAttempts = viper.GetInt("action-max-attempts")
	ec.RetryInitial = viper.GetDuration("retry-initial")
	ec.RetryMax = viper.GetDuration("retry-max")
	ec.AsyncGracePeriod = viper.GetDuration("async-grace")
	ec.AccountTimezone = viper.GetString("timezone")
	ec.EnrollConcurrency = viper.GetInt("enroll-concurrency")
	ec.FlowCacheExpiration = viper.GetDuration("flow-cache-expiration")

	c.cfg.SchedulerConfig.PollInterval = viper.GetDuration("poll-interval")
	c.cfg.SchedulerConfig.BatchSize = viper.GetInt("batch-size")
	c.cfg.SchedulerConfig.VisibilityTimeout = viper.GetDuration("visibility-timeout")

	c.cfg.GatewayConfig.Type = config.GatewayType(viper.GetString("gateway-impl"))
	c.cfg.GatewayConfig.Address = viper.GetString("gateway-addr")
	c.cfg.GatewayConfig.Timeout = viper.GetDuration("gateway-timeout")

	c.cfg.LogSinkConfig.Type = config.LogSinkType(viper.GetString("log-sink"))
	c.cfg.LogSinkConfig.PostgresURL = viper.GetString("postgres-url")
	c.cfg.AnalyticsConfig.AuditFile = viper.GetString("audit-file")

	c.cfg.EventBusConfig.Type = config.EventBusType(viper.GetString("event-bus"))
	c.cfg.EventBusConfig.KafkaBrokers = splitList(viper.GetString("kafka-brokers"))
	c.cfg.EventBusConfig.Topic = viper.GetString("event-topic")
	c.cfg.EventBusConfig.GroupId = viper.GetString("consumer-group")

	c.cfg.RetentionConfig.Days = viper.GetInt("retention-days")
	c.cfg.RetentionConfig.Schedule = viper.GetString("retention-schedule")

	c.cfg.ClusterConfig.NodeName = viper.GetString("node-name")
	c.cfg.ClusterConfig.BindAddr = viper.GetString("bind-addr")
	c.cfg.ClusterConfig.StartJoinAddrs = splitList(viper.GetString("join-addrs"))
	c.cfg.ClusterConfig.PartitionCount = viper.GetInt("partition-count")

	return logger.Init(c.cfg.LogLevel)
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	defer logger.Sync()
	a, err := agent.New(c.cfg)
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		a.Shutdown()
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.Serve(ctx)
}

// publish validates a flow document and stores it as the next version of
// its flow in the configured storage.
func (c *cli) publish(cmd *cobra.Command, args []string) error {
	file, err := cmd.Flags().GetString("file")
	if err != nil {
		return err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	def, err := flow.DecodeDocument(data)
	if err != nil {
		return err
	}
	if err := flow.Validate(def); err != nil {
		return err
	}
	if c.cfg.StorageType == config.STORAGE_TYPE_INMEM {
		fmt.Fprintf(cmd.OutOrStdout(), "flow %s is valid (memory storage, not stored)\n", def.Id)
		return nil
	}
	d := container.NewDiContainer()
	if err := d.Init(cmd.Context(), c.cfg); err != nil {
		return err
	}
	defer d.Close()
	version, err := d.GetFlowStorage().SaveFlow(cmd.Context(), def)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published flow %s version %d\n", def.Id, version)
	return nil
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:               "nurture",
		Short:             "workflow automation engine for contact nurture flows",
		PersistentPreRunE: cli.setupConfig,
		RunE:              cli.run,
	}
	serve := &cobra.Command{
		Use:   "serve",
		Short: "run the engine and http api",
		RunE:  cli.run,
	}
	publish := &cobra.Command{
		Use:   "publish",
		Short: "validate and publish a flow document",
		RunE:  cli.publish,
	}
	publish.Flags().StringP("file", "f", "", "flow document (json or yaml)")
	publish.MarkFlagRequired("file")
	cmd.AddCommand(serve, publish)

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
