package agent

import (
	"context"
	"sync"

	"github.com/mohitkumar/nurture/analytics"
	"github.com/mohitkumar/nurture/cache"
	"github.com/mohitkumar/nurture/cluster"
	"github.com/mohitkumar/nurture/config"
	"github.com/mohitkumar/nurture/container"
	"github.com/mohitkumar/nurture/engine"
	"github.com/mohitkumar/nurture/eventbus"
	"github.com/mohitkumar/nurture/executor"
	"github.com/mohitkumar/nurture/gateway"
	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/node"
	"github.com/mohitkumar/nurture/rest"
	"github.com/mohitkumar/nurture/retention"
	"github.com/mohitkumar/nurture/router"
	"github.com/mohitkumar/nurture/scheduler"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Agent struct {
	Config       config.Config
	container    *container.DIContainer
	ring         *cluster.Ring
	membership   *cluster.Membership
	scheduler    *scheduler.Scheduler
	flows        *cache.FlowCache
	gateway      *gateway.Mux
	closeGateway func() error
	metrics      *analytics.MemoryMetrics
	engine       *engine.FlowEngine
	executors    []executor.Executor
	bus          *eventbus.Bus
	router       *router.Router
	sweeper      *retention.Sweeper
	httpServer   *rest.Server
	cancel       context.CancelFunc
	shutdown     bool
	shutdownLock sync.Mutex
	// pollers is separate so executors drain before the worker pool closes
	pollers sync.WaitGroup
	wg      sync.WaitGroup
}

func New(conf config.Config) (*Agent, error) {
	a := &Agent{
		Config:       conf,
		closeGateway: func() error { return nil },
	}
	setup := []func() error{
		a.setupContainer,
		a.setupCluster,
		a.setupScheduler,
		a.setupGateway,
		a.setupEngine,
		a.setupExecutors,
		a.setupEventBus,
		a.setupRetention,
		a.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupContainer() error {
	a.container = container.NewDiContainer()
	return a.container.Init(context.Background(), a.Config)
}

func (a *Agent) setupCluster() error {
	cc := a.Config.ClusterConfig
	addr := a.Config.HttpAddr()
	if cc.BindAddr != "" {
		var err error
		if addr, err = a.Config.AdvertiseAddr(); err != nil {
			return err
		}
	}
	a.ring = cluster.NewRing(cluster.RingConfig{
		PartitionCount: cc.PartitionCount,
		LocalName:      cc.NodeName,
		LocalAddr:      addr,
	})
	if cc.BindAddr == "" {
		return nil
	}
	tags := map[string]string{cluster.TAG_HTTP_ADDR: addr}
	for k, v := range cc.Tags {
		tags[k] = v
	}
	var err error
	a.membership, err = cluster.NewMembership(a.ring, cluster.Config{
		NodeName:       cc.NodeName,
		BindAddr:       cc.BindAddr,
		Tags:           tags,
		StartJoinAddrs: cc.StartJoinAddrs,
	})
	return err
}

func (a *Agent) setupScheduler() error {
	a.scheduler = scheduler.New(a.container.GetWorkQueue(), a.ring, a.Config.SchedulerConfig.VisibilityTimeout)
	a.flows = cache.NewFlowCache(a.container.GetFlowStorage(), a.Config.EngineConfig.FlowCacheExpiration)
	return nil
}

func (a *Agent) setupGateway() error {
	gc := a.Config.GatewayConfig
	var fallback gateway.Gateway = gateway.NewLocalGateway()
	if gc.Type == config.GATEWAY_TYPE_GRPC {
		remote, err := gateway.NewGrpcGateway(gc.Address, gc.Timeout)
		if err != nil {
			return err
		}
		fallback = remote
		a.closeGateway = remote.Close
	}
	a.gateway = gateway.NewMux(fallback).Handle(node.ACTION_CUSTOM_CODE, gateway.NewScriptGateway())
	return nil
}

func (a *Agent) setupEngine() error {
	a.metrics = analytics.NewMemoryMetrics()
	a.engine = engine.NewFlowEngine(a.container, a.flows, a.scheduler, a.gateway, a.metrics, a.Config, &a.wg)
	return nil
}

func (a *Agent) setupExecutors() error {
	sc := a.Config.SchedulerConfig
	for _, lane := range model.Lanes {
		a.executors = append(a.executors, executor.NewLaneExecutor(lane, a.scheduler, a.engine, sc.PollInterval, sc.BatchSize, &a.pollers))
	}
	return nil
}

func (a *Agent) setupEventBus() error {
	var err error
	a.bus, err = eventbus.New(a.Config.EventBusConfig)
	if err != nil {
		return err
	}
	a.router = router.NewRouter(a.engine, a.flows, a.container.GetWaiterIndex())
	return nil
}

func (a *Agent) setupRetention() error {
	rc := a.Config.RetentionConfig
	if rc.Days <= 0 {
		return nil
	}
	a.sweeper = retention.NewSweeper(a.container.GetEnrollmentStorage(), a.container.GetLeaseManager(), rc.Days, rc.Schedule, a.Config.EngineConfig.LeaseTTL)
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.container.GetFlowStorage(), a.flows, a.engine, a.bus, a.metrics)
	return err
}

// Start brings up every background component. The HTTP server is started
// by Serve.
func (a *Agent) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	if err := a.engine.Start(); err != nil {
		return err
	}
	for _, ex := range a.executors {
		if err := ex.Start(); err != nil {
			return err
		}
	}
	if a.sweeper != nil {
		if err := a.sweeper.Start(); err != nil {
			return err
		}
	}
	return a.bus.Subscribe(ctx, a.handleEvent)
}

func (a *Agent) handleEvent(ctx context.Context, ev model.DomainEvent) error {
	res, err := a.router.Route(ctx, ev)
	if err != nil {
		return err
	}
	logger.Debug("event routed", zap.String("event", res.EventId), zap.Int("resumed", len(res.Resumed)), zap.Int("enrolled", len(res.Enrolled)))
	return nil
}

// Serve runs the HTTP server until ctx is done or the server fails, then
// shuts everything down.
func (a *Agent) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return a.httpServer.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		return a.Shutdown()
	})
	return g.Wait()
}

func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true
	logger.Info("shutting down server")

	shutdown := []func() error{
		a.httpServer.Stop,
		func() error {
			if a.cancel != nil {
				a.cancel()
			}
			return a.bus.Close()
		},
		func() error {
			for _, ex := range a.executors {
				ex.Stop()
			}
			a.pollers.Wait()
			return nil
		},
		func() error {
			if a.sweeper != nil {
				return a.sweeper.Stop()
			}
			return nil
		},
		a.engine.Stop,
		func() error {
			if a.membership != nil {
				return a.membership.Leave()
			}
			return nil
		},
		a.closeGateway,
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			logger.Error("error during shutdown", zap.Error(err))
		}
	}
	logger.Info("waiting for all services to shutdown...")
	a.wg.Wait()
	return a.container.Close()
}
