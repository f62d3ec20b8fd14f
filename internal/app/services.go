package app

import (
	"context"
	"fmt"
	"io"

	"github.com/ggonzalez94/defi-keeper/internal/config"
	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
	"github.com/ggonzalez94/defi-keeper/internal/execution"
	"github.com/ggonzalez94/defi-keeper/internal/httpx"
	"github.com/ggonzalez94/defi-keeper/internal/keeper"
	"github.com/ggonzalez94/defi-keeper/internal/ledger"
	"github.com/ggonzalez94/defi-keeper/internal/metrics"
	"github.com/ggonzalez94/defi-keeper/internal/registry"
	"github.com/ggonzalez94/defi-keeper/internal/signer"
	"github.com/ggonzalez94/defi-keeper/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// Dependencies overrides the chain client and submission channel. Nil
// fields are built from settings.
type Dependencies struct {
	Client  ledger.EVMClient
	Channel ledger.Channel
}

// NewRunnerWithDependencies is NewRunnerWithWriters with injected chain access.
func NewRunnerWithDependencies(stdout, stderr io.Writer, deps Dependencies) *Runner {
	r := NewRunnerWithWriters(stdout, stderr)
	r.deps = &deps
	return r
}

// services builds the long-lived pieces a command needs, once, on demand.
type services struct {
	settings config.Settings
	logger   *zap.Logger
	deps     Dependencies

	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	store     *store.Store
	client    ledger.EVMClient
	closers   []func()
	channel   ledger.Channel
	contracts *registry.Contracts
}

func newServices(settings config.Settings, log *zap.Logger, deps *Dependencies) *services {
	s := &services{settings: settings, logger: log}
	if deps != nil {
		s.deps = *deps
	}
	return s
}

func (s *services) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func (s *services) Metrics() (*metrics.Metrics, *prometheus.Registry) {
	if s.metrics == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.metrics = metrics.MustNewMetrics(s.registry)
	}
	return s.metrics, s.registry
}

func (s *services) Store() (*store.Store, error) {
	if s.store != nil {
		return s.store, nil
	}
	st, err := store.Open(s.settings.StorePath, s.settings.StoreLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open store", err)
	}
	s.store = st
	s.closers = append(s.closers, func() { _ = st.Close() })
	return st, nil
}

func (s *services) Contracts() (registry.Contracts, error) {
	if s.contracts != nil {
		return *s.contracts, nil
	}
	c, ok := registry.ContractsForChain(s.settings.ChainID)
	if !ok {
		return registry.Contracts{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("no contract registry for chain id %d", s.settings.ChainID))
	}
	c = c.WithOverrides(s.settings.ContractOverrides)
	s.contracts = &c
	return c, nil
}

func (s *services) Client(ctx context.Context) (ledger.EVMClient, error) {
	if s.client != nil {
		return s.client, nil
	}
	if s.deps.Client != nil {
		s.client = s.deps.Client
		return s.client, nil
	}
	rpcURL, err := registry.ResolveRPCURL(s.settings.RPCURL, s.settings.ChainID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}
	client, err := ledger.Dial(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	s.client = client
	s.closers = append(s.closers, client.Close)
	return client, nil
}

// Channel loads the delegate key, so only submitting commands call it.
func (s *services) Channel(ctx context.Context) (ledger.Channel, error) {
	if s.channel != nil {
		return s.channel, nil
	}
	if s.deps.Channel != nil {
		s.channel = s.deps.Channel
		return s.channel, nil
	}
	txSigner, err := signer.FromEnv(s.settings.KeySource, "")
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "load delegate key", err)
	}
	channel, err := s.buildChannel(ctx, txSigner)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("submission channel ready", zap.String("channel", s.settings.Channel), zap.String("delegate", txSigner.Address().Hex()))
	s.channel = channel
	return channel, nil
}

// ReceiptChannel can poll but not submit; it needs no key.
func (s *services) ReceiptChannel(ctx context.Context) (ledger.Channel, error) {
	if s.channel != nil {
		return s.channel, nil
	}
	if s.deps.Channel != nil {
		return s.deps.Channel, nil
	}
	return s.buildChannel(ctx, nil)
}

func (s *services) buildChannel(ctx context.Context, txSigner signer.Signer) (ledger.Channel, error) {
	client, err := s.Client(ctx)
	if err != nil {
		return nil, err
	}
	contracts, err := s.Contracts()
	if err != nil {
		return nil, err
	}
	if s.settings.Channel == config.ChannelBundler {
		if s.settings.BundlerURL == "" {
			return nil, clierr.New(clierr.CodeUsage, "bundler channel requires --bundler-url")
		}
		return &ledger.BundlerChannel{
			HTTP:              httpx.New(s.settings.Timeout, s.settings.Retries),
			URL:               s.settings.BundlerURL,
			Client:            client,
			Signer:            txSigner,
			EntryPoint:        contracts.EntryPoint,
			DelegationManager: contracts.DelegationManager,
			Logger:            s.logger,
		}, nil
	}
	return &ledger.EVMChannel{
		Client:            client,
		Signer:            txSigner,
		DelegationManager: contracts.DelegationManager,
		Logger:            s.logger,
	}, nil
}

func (s *services) tracker(channel ledger.Channel) (*execution.Tracker, error) {
	mode, ok := execution.ParseSubmitMode(s.settings.SubmitMode)
	if !ok {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported submit mode %q (expected sequential|atomic)", s.settings.SubmitMode))
	}
	m, _ := s.Metrics()
	return &execution.Tracker{
		Channel:      channel,
		PollInterval: s.settings.PollInterval,
		Timeout:      s.settings.SettlementTimeout,
		Mode:         mode,
		Logger:       s.logger,
		Metrics:      m,
	}, nil
}

// Engine wires the pipeline. Without submit the engine can plan but has no
// tracker, so no key is loaded.
func (s *services) Engine(ctx context.Context, submit bool) (*execution.Engine, error) {
	st, err := s.Store()
	if err != nil {
		return nil, err
	}
	contracts, err := s.Contracts()
	if err != nil {
		return nil, err
	}
	client, err := s.Client(ctx)
	if err != nil {
		return nil, err
	}
	m, _ := s.Metrics()

	engine := &execution.Engine{
		ChainID:        s.settings.ChainID,
		Contracts:      contracts,
		Resolver:       execution.NewResolver(client, s.logger),
		Records:        st,
		BatchLimit:     s.settings.BatchLimit,
		SwapFee:        s.settings.SwapFee,
		DeadlineWindow: s.settings.DeadlineWindow,
		Logger:         s.logger,
		Metrics:        m,
	}
	if !submit {
		return engine, nil
	}
	channel, err := s.Channel(ctx)
	if err != nil {
		return nil, err
	}
	if engine.Tracker, err = s.tracker(channel); err != nil {
		return nil, err
	}
	return engine, nil
}

func (s *services) Scheduler(ctx context.Context) (*keeper.Scheduler, error) {
	engine, err := s.Engine(ctx, true)
	if err != nil {
		return nil, err
	}
	st, err := s.Store()
	if err != nil {
		return nil, err
	}
	client, err := s.Client(ctx)
	if err != nil {
		return nil, err
	}
	m, _ := s.Metrics()
	return &keeper.Scheduler{
		Records:     st,
		Balances:    ledger.ChainReader{Client: client},
		Executor:    engine,
		Policy:      s.settings.Policy,
		Contracts:   engine.Contracts,
		SlippageBps: s.settings.SlippageBps,
		Fee:         s.settings.SwapFee,
		Deadline:    s.settings.DeadlineWindow,
		Interval:    s.settings.KeeperInterval,
		LockPath:    s.settings.KeeperLockPath,
		Logger:      s.logger.Named("keeper"),
		Metrics:     m,
	}, nil
}
