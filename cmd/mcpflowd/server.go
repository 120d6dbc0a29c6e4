package main

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/mcpflow/audit"
	"github.com/BaSui01/mcpflow/budget"
	"github.com/BaSui01/mcpflow/codec"
	"github.com/BaSui01/mcpflow/config"
	"github.com/BaSui01/mcpflow/internal/metrics"
	"github.com/BaSui01/mcpflow/internal/telemetry"
	"github.com/BaSui01/mcpflow/internal/tlsutil"
	"github.com/BaSui01/mcpflow/orchestrator"
	"github.com/BaSui01/mcpflow/registry"
	"github.com/BaSui01/mcpflow/supervisor"
	"github.com/BaSui01/mcpflow/transport"
	"github.com/BaSui01/mcpflow/types"
)

// Server wires the full daemon: telemetry, budget ledger, registry,
// supervisor, orchestrator, the worker-facing socket endpoint, and the
// metrics endpoint.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	providers *telemetry.Providers
	redisCli  *redis.Client
	sink      *audit.Sink
	reg       *registry.Registry
	pool      *transport.ClientPool
	inproc    *transport.InProc
	sup       *supervisor.Supervisor
	orch      *orchestrator.Orchestrator

	httpSrv   *http.Server
	workerLis net.Listener
	wire      codec.Codec

	runCtx  context.Context
	runStop context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer builds the daemon from cfg without starting anything.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger, wire: codec.JSON()}

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		// Telemetry is best-effort; the daemon runs without it.
		logger.Warn("telemetry init failed", zap.Error(err))
		providers = &telemetry.Providers{}
	}
	s.providers = providers

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	stats := metrics.NewCollector("mcpflow", promReg, logger)

	caps := budget.Caps{
		WindowCost:         cfg.Budget.WindowCost,
		Window:             cfg.Budget.Window,
		Overdraft:          cfg.Budget.Overdraft,
		MaxExecutionTime:   cfg.Budget.MaxExecutionTime,
		MaxMemoryBytes:     cfg.Budget.MaxMemoryBytes,
		DefaultReserveCost: cfg.Budget.DefaultReserveCost,
		RatePerSecond:      cfg.Budget.RatePerSecond,
		RateBurst:          cfg.Budget.RateBurst,
	}
	var ledger budget.Ledger
	if cfg.Redis.Enabled {
		s.redisCli = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		ledger = budget.NewRedisLedger(s.redisCli, caps.Window).WithKeyPrefix(cfg.Redis.KeyPrefix)
		logger.Info("budget ledger backed by redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		ledger = budget.NewMemoryLedger(caps.Window)
	}
	budgetMgr := budget.NewManager(caps, ledger, logger)

	if cfg.Audit.Path != "" {
		sink, err := audit.NewFileSink(cfg.Audit.Path, logger)
		if err != nil {
			return nil, err
		}
		s.sink = sink
	}

	s.reg = registry.New(logger)
	s.pool = transport.NewClientPool(logger)
	s.pool.OnCrash(func(addr types.Address, _ error) {
		s.reg.MarkUnhealthy(addr)
	})
	s.inproc = transport.NewInProc(logger)
	s.pool.SetLocal(s.inproc)

	supCfg := supervisor.Config{
		Name:                 cfg.Supervisor.Name,
		QueueCapacity:        cfg.Supervisor.QueueCapacity,
		Concurrency:          cfg.Supervisor.Concurrency,
		DefaultExecutionTime: cfg.Supervisor.DefaultExecutionTime,
		RetryBaseDelay:       cfg.Supervisor.RetryBaseDelay,
		RetryMaxDelay:        cfg.Supervisor.RetryMaxDelay,
	}
	s.sup = supervisor.New(supCfg, s.reg, budgetMgr, s.pool,
		supervisor.WithLogger(logger),
		supervisor.WithCapabilityChecker(capabilityChecker(cfg.Auth)),
		supervisor.WithAuditSink(s.sink),
		supervisor.WithMetrics(stats),
	)
	s.inproc.Register(s.sup.Address(), s.sup.Handle)

	s.orch = orchestrator.New(orchestrator.Config{
		Name:       cfg.Orchestrator.Name,
		DefaultTTL: cfg.Orchestrator.DefaultTTL,
	}, s.inproc, logger)
	// Workers hot-register at runtime; until then every task namespace
	// routes to the sole supervisor.
	if err := s.orch.AddRoute("*", s.sup.Address()); err != nil {
		return nil, err
	}

	if cfg.Server.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		s.httpSrv = &http.Server{
			Addr:         cfg.Server.MetricsListen,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

func capabilityChecker(cfg config.AuthConfig) supervisor.CapabilityChecker {
	switch cfg.Mode {
	case "static":
		return supervisor.StaticChecker{Grants: cfg.Grants}
	case "jwt":
		return supervisor.JWTChecker{Secret: []byte(cfg.JWTSecret), Issuer: cfg.Issuer}
	default:
		return supervisor.AllowAll{}
	}
}

// Start launches the supervisor engine, the worker socket endpoint, and
// the metrics endpoint.
func (s *Server) Start() error {
	s.runCtx, s.runStop = context.WithCancel(context.Background())
	s.sup.Start(s.runCtx)

	lis, err := net.Listen("tcp", s.cfg.Server.WorkerListen)
	if err != nil {
		return types.NewError(types.ErrServiceUnavailable, "listen "+s.cfg.Server.WorkerListen).WithCause(err)
	}
	if s.cfg.Server.TLSCertFile != "" {
		tlsCfg, err := tlsutil.ServerConfig(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile)
		if err != nil {
			_ = lis.Close()
			return err
		}
		lis = tls.NewListener(lis, tlsCfg)
	}
	s.workerLis = lis
	s.wg.Add(1)
	go s.acceptLoop(lis)
	s.logger.Info("worker endpoint listening", zap.String("addr", lis.Addr().String()))

	if s.httpSrv != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("metrics endpoint listening", zap.String("addr", s.httpSrv.Addr))
			if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}
	return nil
}

func (s *Server) acceptLoop(lis net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// serveConn handles one inbound connection: workers announcing and
// remote clients submitting tasks share the same framed endpoint.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	reader := codec.NewFrameReader(conn)
	writer := codec.NewFrameWriter(conn)
	var writeMu sync.Mutex

	send := func(msg *types.MCPMessage) {
		data, err := s.wire.Encode(msg)
		if err != nil {
			s.logger.Error("encode reply", zap.Error(err))
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := writer.WriteFrame(data); err != nil {
			s.logger.Debug("write reply", zap.Error(err))
		}
	}

	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			return
		}
		msg, err := s.wire.Decode(frame)
		if err != nil {
			s.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		go func() {
			if reply := s.handleEnvelope(s.runCtx, msg); reply != nil {
				send(reply)
			}
		}()
	}
}

// handleEnvelope routes by recipient role: the orchestrator serves
// top-level submissions, everything else goes to the supervisor.
func (s *Server) handleEnvelope(ctx context.Context, msg *types.MCPMessage) *types.MCPMessage {
	if msg.Recipient.Role == types.RoleOrchestrator {
		return s.handleSubmission(ctx, msg)
	}
	reply, err := s.sup.Handle(ctx, msg)
	if err != nil {
		s.logger.Info("rejected inbound message",
			zap.String("type", string(msg.Type)),
			zap.Error(err),
		)
		return nil
	}
	return reply
}

// handleSubmission runs a remote TASK_REQUEST through the Tier-0 router.
func (s *Server) handleSubmission(ctx context.Context, msg *types.MCPMessage) *types.MCPMessage {
	if err := msg.Validate(); err != nil || msg.Type != types.TypeTaskRequest {
		return nil
	}
	var req types.TaskRequest
	if err := msg.DecodePayload(&req); err != nil {
		reply := msg.Reply(types.TypeTaskError)
		reply, _ = reply.WithPayload(types.TaskResponse{
			Status:       types.TaskFailed,
			ErrorCode:    types.ErrMalformedMessage,
			ErrorMessage: err.Error(),
		})
		return reply
	}

	opts := []orchestrator.SubmitOption{
		orchestrator.WithUser(msg.Context.UserID, msg.Context.SessionID),
		orchestrator.WithTTL(time.Until(msg.Deadline())),
		orchestrator.WithPriority(msg.Priority),
		orchestrator.WithDelivery(msg.DeliveryMode, msg.MaxRetries),
	}
	for k, v := range msg.Context.Attributes {
		opts = append(opts, orchestrator.WithAttribute(k, v))
	}

	resp, err := s.orch.Submit(ctx, req, opts...)
	replyType := types.TypeTaskResponse
	if err != nil {
		replyType = types.TypeTaskError
		if resp.Status == "" {
			resp = types.TaskResponse{
				Status:       types.TaskFailed,
				ErrorCode:    types.GetErrorCode(err),
				ErrorMessage: err.Error(),
			}
		}
	}
	reply := msg.Reply(replyType)
	reply, _ = reply.WithPayload(resp)
	return reply
}

// WaitForShutdown blocks until SIGINT/SIGTERM, then shuts down.
func (s *Server) WaitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	s.logger.Info("shutting down", zap.String("signal", received.String()))
	s.Shutdown()
}

// Shutdown stops accepting work and releases every resource.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.workerLis != nil {
		_ = s.workerLis.Close()
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(ctx)
	}
	if s.runStop != nil {
		s.runStop()
	}
	_ = s.sup.Close()
	_ = s.pool.Close()
	_ = s.inproc.Close()
	if s.sink != nil {
		_ = s.sink.Close()
	}
	if s.redisCli != nil {
		_ = s.redisCli.Close()
	}
	if err := s.providers.Shutdown(ctx); err != nil {
		s.logger.Warn("telemetry shutdown", zap.Error(err))
	}
	s.wg.Wait()
}
