// Command server boots the ticketsync process: the durable queue, worker
// pool, scheduler, sync engine, change-log, stream processor, fan-out hub,
// and the HTTP API surface that fronts all of them.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexusops/ticketsync/internal/changelog"
	"github.com/nexusops/ticketsync/internal/config"
	"github.com/nexusops/ticketsync/internal/conflict"
	"github.com/nexusops/ticketsync/internal/fanout"
	"github.com/nexusops/ticketsync/internal/httpapi"
	"github.com/nexusops/ticketsync/internal/logger"
	"github.com/nexusops/ticketsync/internal/metrics"
	"github.com/nexusops/ticketsync/internal/queue"
	"github.com/nexusops/ticketsync/internal/scheduler"
	"github.com/nexusops/ticketsync/internal/store"
	"github.com/nexusops/ticketsync/internal/stream"
	"github.com/nexusops/ticketsync/internal/sync"
	"github.com/nexusops/ticketsync/internal/upstream"
	"github.com/nexusops/ticketsync/internal/worker"
)

// trackedTables lists the entity tables the sync engine, scheduler, and
// stream processor operate over (§3 glossary: incident, change task,
// service-catalog task).
var trackedTables = []string{"incident", "change_task", "sc_task"}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging)
	m := metrics.New()

	q := queue.New(queue.Config{
		Addr:            cfg.Queue.RedisAddr,
		Password:        cfg.Queue.RedisPassword,
		DB:              cfg.Queue.QueueDB,
		LeaseDuration:   cfg.Queue.LeaseDuration,
		RetentionWindow: cfg.Queue.RetentionWindow,
	}, log, m)

	var upstreamClient upstream.Client
	if cfg.Upstream.URL == "mock" {
		upstreamClient = upstream.NewMock()
	} else {
		upstreamClient = upstream.NewHTTP(upstream.HTTPConfig{
			BaseURL:  cfg.Upstream.URL,
			Username: cfg.Upstream.Username,
			Password: cfg.Upstream.Password,
			Timeout:  cfg.Upstream.Timeout,
		})
	}

	var st *store.Store
	if cfg.Store.DSN != "" {
		st, err = store.Open(store.Config{
			DSN:             cfg.Store.DSN,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Store.ConnMaxLifetime) * time.Second,
			MigrateOnStart:  cfg.Store.MigrateOnStart,
		}, log)
		if err != nil {
			log.WithError(err).Fatal("open store failed")
		}
	}

	cl := changelog.New(changelog.Config{
		Addr:         cfg.ChangeLog.RedisAddr,
		Password:     cfg.ChangeLog.RedisPassword,
		DB:           cfg.ChangeLog.RedisDB,
		StreamPrefix: cfg.ChangeLog.StreamPrefix,
	}, log, m)

	syncEngine := sync.New(upstreamClient, st, cl, log, m)

	pool := buildWorkerPool(q, cfg, log, m, syncEngine)

	sch := scheduler.New(scheduler.Config{
		RedisAddr:     cfg.Queue.RedisAddr,
		RedisPassword: cfg.Queue.RedisPassword,
		RedisDB:       cfg.Queue.SchedulerDB,
	}, q, log, m)

	streamProc := stream.New[map[string]interface{}](stream.Config{
		BatchSize:             cfg.Stream.BatchSize,
		BufferSize:            cfg.Stream.BufferSize,
		MaxConcurrency:        cfg.Stream.MaxConcurrency,
		BackpressureThreshold: cfg.Stream.BackpressureThreshold,
		BackpressureStrategy:  stream.BackpressureStrategy(cfg.Stream.BackpressureStrategy),
		Timeout:               time.Duration(cfg.Stream.TimeoutMS) * time.Millisecond,
		MetricsInterval:       time.Duration(cfg.Stream.MetricsIntervalMS) * time.Millisecond,
	}, normalizeBatch, log, m)

	fanoutHub := fanout.New(cl, log, m)

	router := httpapi.NewRouter(httpapi.Deps{
		Queue:     q,
		Scheduler: sch,
		Sync:      syncEngine,
		Store:     st,
		Upstream:  upstreamClient,
		Changelog: cl,
		Fanout:    fanoutHub,
		Stream:    streamProc,
		Log:       log,
	})
	router.Handle("/metrics", promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: router}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	sch.Start(ctx)
	streamProc.Start(ctx)
	stopStreamFeed := feedStreamFromChangeLog(ctx, cl, streamProc, log)

	go func() {
		log.WithField("addr", addr).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	cancel()
	close(stopStreamFeed)
	pool.Stop()
	sch.Stop()
	streamProc.Stop()
	fanoutHub.Close()
	syncEngine.Close()
	if st != nil {
		st.Close()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http server shutdown failed")
	}
}

// normalizeBatch is the C7 Process-stage handler: it returns a flattened
// copy of each change-log record, with upstream reference-container fields
// unwrapped; the input records are not modified.
func normalizeBatch(ctx context.Context, batch []map[string]interface{}) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, len(batch))
	for i, rec := range batch {
		out[i] = upstream.Normalize(rec)
	}
	return out, nil
}

// feedStreamFromChangeLog runs a dedicated consumer group ("stream-processor")
// over every tracked table's topic, submitting each entry's record into the
// stream processor and acknowledging it once accepted.
func feedStreamFromChangeLog(ctx context.Context, cl *changelog.Log, sp *stream.Processor[map[string]interface{}], log *logger.Logger) chan struct{} {
	const group = "stream-processor"
	stop := make(chan struct{})
	for _, table := range trackedTables {
		topic := table
		if err := cl.RegisterConsumer(ctx, topic, group); err != nil {
			log.WithField("topic", topic).WithError(err).Error("register stream consumer failed")
			continue
		}
		go func(topic string) {
			consumer := "stream-" + topic
			for {
				select {
				case <-stop:
					return
				default:
				}
				entries, err := cl.Read(ctx, topic, group, consumer, 50, 2000)
				if err != nil {
					log.WithField("topic", topic).WithError(err).Error("changelog read failed")
					time.Sleep(time.Second)
					continue
				}
				ids := make([]string, 0, len(entries))
				for _, e := range entries {
					if err := sp.Submit(ctx, e.Event.Record); err != nil {
						log.WithField("topic", topic).WithError(err).Warn("stream submit failed")
						continue
					}
					ids = append(ids, e.ID)
				}
				if len(ids) > 0 {
					if err := cl.Ack(ctx, topic, group, ids...); err != nil {
						log.WithField("topic", topic).WithError(err).Error("changelog ack failed")
					}
				}
			}
		}(topic)
	}
	return stop
}

// buildWorkerPool builds the C2 pool and registers the handlers for every
// job type the HTTP shortcuts enqueue (§9 high-level shortcuts).
func buildWorkerPool(q *queue.Queue, cfg *config.Config, log *logger.Logger, m *metrics.Registry, se *sync.Engine) *worker.Pool {
	p := worker.New(q, worker.Config{
		PoolSize:       cfg.Worker.PoolSize,
		HandlerTimeout: cfg.Worker.HandlerTimeout,
		IdleSleep:      cfg.Worker.IdleSleep,
	}, log, m)

	p.RegisterHandler(queue.JobDataSync, func(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
		tables, _ := job.Payload["tables"].([]interface{})
		var tableNames []string
		for _, t := range tables {
			if s, ok := t.(string); ok {
				tableNames = append(tableNames, s)
			}
		}
		if len(tableNames) == 0 {
			tableNames = trackedTables
		}
		full, _ := job.Payload["incremental"].(bool)
		results, err := se.SyncAll(ctx, tableNames, sync.Opts{Full: !full, Policy: conflict.PolicyNewestWins})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"results": results}, nil
	})

	p.RegisterHandler(queue.JobPipelineExecution, func(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
		pipelineID, _ := job.Payload["pipeline_id"].(string)
		tables, _ := job.Payload["tables"].([]interface{})
		var tableNames []string
		for _, t := range tables {
			if s, ok := t.(string); ok {
				tableNames = append(tableNames, s)
			}
		}
		if len(tableNames) == 0 {
			tableNames = trackedTables
		}
		results, err := se.SyncAll(ctx, tableNames, sync.Opts{Policy: conflict.PolicyNewestWins})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"pipeline_id": pipelineID, "results": results}, nil
	})

	p.RegisterHandler(queue.JobParquetExport, func(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
		table, _ := job.Payload["table"].(string)
		compression, _ := job.Payload["compression"].(string)
		if compression == "" {
			compression = "snappy"
		}
		result, err := se.SyncTable(ctx, table, sync.Opts{Policy: conflict.PolicyNewestWins})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"table":       table,
			"compression": compression,
			"rows":        result.Processed,
		}, nil
	})

	p.RegisterHandler(queue.JobCacheRefresh, func(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
		keys, _ := job.Payload["keys"].([]interface{})
		refreshed := 0
		for range keys {
			refreshed++
		}
		if len(keys) == 0 {
			for _, table := range trackedTables {
				if _, err := se.SyncTable(ctx, table, sync.Opts{Policy: conflict.PolicyNewestWins}); err != nil {
					return nil, err
				}
				refreshed++
			}
		}
		return map[string]interface{}{"refreshed": refreshed}, nil
	})

	return p
}
