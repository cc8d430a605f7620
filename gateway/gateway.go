// Package gateway is the composition root: it wires the configuration
// loader and every C1-C11 component into one running server, adapting the
// construct-then-start shape of server/server_factory.go's
// ServerFactory.CreateServer/StartServer (build every collaborator, wire
// them into one Handler, then hand off to Start) to this gateway's much
// larger component graph.
package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sqlgateway/mcpmysql/internal/auditlog"
	"github.com/sqlgateway/mcpmysql/internal/cache"
	"github.com/sqlgateway/mcpmysql/internal/classify"
	"github.com/sqlgateway/mcpmysql/internal/clock"
	"github.com/sqlgateway/mcpmysql/internal/config"
	"github.com/sqlgateway/mcpmysql/internal/metrics"
	"github.com/sqlgateway/mcpmysql/internal/orchestrator"
	"github.com/sqlgateway/mcpmysql/internal/pool"
	"github.com/sqlgateway/mcpmysql/internal/pressure"
	"github.com/sqlgateway/mcpmysql/internal/ratelimit"
	"github.com/sqlgateway/mcpmysql/internal/rbac"
	"github.com/sqlgateway/mcpmysql/internal/scheduler"
	"github.com/sqlgateway/mcpmysql/internal/transport"
	"github.com/sqlgateway/mcpmysql/internal/validate"
)

// Gateway holds every wired component and the transport loop that drives
// them from stdio.
type Gateway struct {
	Config       config.Config
	AuditLog     *auditlog.Logger
	Clock        clock.Clock
	Pressure     *pressure.Bus
	Metrics      *metrics.Store
	Limiter      *ratelimit.Limiter
	Validator    *validate.Validator
	RBAC         *rbac.Registry
	Cache        *cache.Cache
	Pool         *pool.Pool
	Scheduler    *scheduler.Scheduler
	Orchestrator *orchestrator.Orchestrator
	Transport    *transport.Server

	connector *pool.SQLConnector
}

// New builds a fully wired Gateway from cfg but does not yet start any
// background loop or accept connections; call Start for that.
func New(cfg config.Config, auditWriter *os.File) (*Gateway, error) {
	var log_ *auditlog.Logger
	if auditWriter != nil {
		log_ = auditlog.New(auditWriter)
	} else {
		log_ = auditlog.NewDiscard()
	}

	connector, err := pool.OpenSQLConnector(cfg.DSN(), cfg.MySQLConnectionLimit, 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("gateway: failed to open mysql connector: %w", err)
	}

	p := pool.New(cfg.ToPoolConfig(), connector, log_)

	pressureBus := pressure.New(pressure.DefaultConfig(), clock.NewSampler())

	m := metrics.New(metrics.DefaultConfig())
	limiter := ratelimit.New(cfg.ToRateLimitConfig(), clock.Real{})
	validator := validate.New(cfg.ToValidatorConfig())
	reg := rbac.New()
	c := cache.New(cfg.ToCacheConfig(), pressureCacheAdapter{bus: pressureBus})
	sched := scheduler.New(scheduler.DefaultConfig())

	orch := orchestrator.New(validator, reg, limiter, c, p, m, sched)

	return &Gateway{
		Config:       cfg,
		AuditLog:     log_,
		Clock:        clock.Real{},
		Pressure:     pressureBus,
		Metrics:      m,
		Limiter:      limiter,
		Validator:    validator,
		RBAC:         reg,
		Cache:        c,
		Pool:         p,
		Scheduler:    sched,
		Orchestrator: orch,
		connector:    connector,
	}, nil
}

// pressureCacheAdapter bridges the pressure bus's Current() onto the
// cache's narrower PressureSource interface.
type pressureCacheAdapter struct {
	bus *pressure.Bus
}

func (a pressureCacheAdapter) Current() float64 { return a.bus.Current() }

// Start initializes the connection pool, starts background components, and
// runs the JSON-RPC/stdio transport loop until it's exhausted or ctx is
// cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.Pool.Initialize(ctx); err != nil {
		return fmt.Errorf("gateway: pool initialization failed: %w", err)
	}
	g.Pressure.Start(ctx)
	g.Scheduler.Start()

	pressureCh, unsubscribe := g.Pressure.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case p, ok := <-pressureCh:
				if !ok {
					return
				}
				g.Scheduler.OnPressureUpdate(p)
				cpu, mem := g.Pressure.Resources()
				g.Limiter.SetLoadFactor(ratelimit.LoadFactor(cpu, mem))
			}
		}
	}()

	// reap sessions abandoned mid-transaction, same cadence the teacher's
	// heartbeat used for stale RPC clients (server/heartbeat.go).
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Orchestrator.Sessions.CleanupExpired(g.Pool, 10*time.Minute)
			}
		}
	}()

	g.Transport = transport.NewServer(os.Stdin, os.Stdout, &dispatcher{gw: g})
	log.Printf("[gateway] starting JSON-RPC/stdio loop")
	return g.Transport.Run()
}

// Stop shuts down background components and releases database connections.
func (g *Gateway) Stop() {
	g.Scheduler.Stop()
	g.Pressure.Stop()
	g.Pool.Close()
	if err := g.connector.Close(); err != nil {
		log.Printf("[gateway] error closing mysql connector: %v", err)
	}
}

// dispatcher adapts the orchestrator to transport.Dispatcher.
type dispatcher struct {
	gw *Gateway
}

func (d *dispatcher) Call(toolName string, arguments map[string]any) (any, *classify.Error) {
	sessionID, _ := arguments["sessionId"].(string)

	switch toolName {
	case "beginSession":
		if cerr := d.gw.Orchestrator.BeginSession(context.Background(), sessionID); cerr != nil {
			return nil, cerr
		}
		return map[string]any{"sessionId": sessionID, "status": "BEGIN"}, nil
	case "commitSession":
		if cerr := d.gw.Orchestrator.CommitSession(sessionID); cerr != nil {
			return nil, cerr
		}
		return map[string]any{"sessionId": sessionID, "status": "COMMIT"}, nil
	case "rollbackSession":
		if cerr := d.gw.Orchestrator.RollbackSession(sessionID); cerr != nil {
			return nil, cerr
		}
		return map[string]any{"sessionId": sessionID, "status": "ROLLBACK"}, nil
	}

	sqlText, _ := arguments["sql"].(string)
	principal, _ := arguments["principal"].(string)
	var args []any
	if raw, ok := arguments["args"].([]any); ok {
		args = raw
	}

	req := orchestrator.Request{Tool: toolName, SQL: sqlText, Args: args, Principal: principal, SessionID: sessionID}
	result, cerr := d.gw.Orchestrator.Execute(context.Background(), req)
	if cerr != nil {
		return nil, cerr
	}
	return result, nil
}
