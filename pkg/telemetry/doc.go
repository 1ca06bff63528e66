// Package telemetry provides observability instrumentation for driftdb.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics, and merge event publishing into one
// surface the binaries wire up at startup. The library packages stay
// telemetry-free: they log through plain zerolog.Logger fields and emit
// merge events through the engine's EventPublisher interface, and this
// package supplies both.
//
// # Usage
//
// Initialize telemetry at process startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    return err
//	}
//
//	ctx = tel.WithContext(ctx)
//
// Hand the inner zerolog down to the library packages:
//
//	store, err := stores.NewSQLiteStore(stores.SQLiteConfig{
//	    Path:   path,
//	    Logger: tel.Logger.Zerolog(),
//	})
//
// # Structured Logging
//
// The logger wraps zerolog with component children, context embedding,
// and merge-domain field helpers:
//
//	logger := tel.Logger.NewComponentLogger("resolver")
//	logger = logger.WithSessionID(sessionID).WithResolver("exec", path)
//	logger.Info("session opened")
//	logger.WithError(err).Error("session failed")
//
// Log levels: trace, debug, info, warn, error, fatal (ParseLogLevel).
//
// # Distributed Tracing
//
// Spans cover merge execution, resolver sessions, and storage operations:
//
//	ctx, span := tel.Tracer.StartMergeSpan(ctx, string(left.ID), string(right.ID))
//	defer span.End()
//
//	telemetry.AddMergeEvent(span, "ancestor.found", "walking parents done")
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP over gRPC (production), stdout (development),
// none (spans recorded, never exported).
//
// # Metrics
//
// The Prometheus registry tracks merges, conflicts, storage operations,
// resolver sessions, and the coroutine pool:
//
//	driftdb_merges_started_total{strategy}
//	driftdb_merges_completed_total{status}
//	driftdb_merge_duration_seconds{status}
//	driftdb_merge_conflicts_total
//	driftdb_merge_decisions_total{source}
//	driftdb_storage_ops_total{operation,status}
//	driftdb_storage_op_duration_seconds{operation}
//	driftdb_resolver_requests_total{kind}
//	driftdb_resolver_sessions_active
//	driftdb_coroutine_handlers_active
//	driftdb_coroutine_workers_idle
//	driftdb_heads
//	driftdb_events_published_total{type}
//
// Metrics are exposed over HTTP (default :9090/metrics) when enabled.
//
// # Event Publishing
//
// EventPublisher implements engine.EventPublisher, so it plugs straight
// into engine.ResolverConfig.Events. Every merge lifecycle event
// (merge_started, merge_completed, conflict_detected, heads_converged,
// and the failure variants) is mirrored into the structured log, counted
// in the metrics registry, and fanned out to subscribers:
//
//	ch, id, err := tel.Events.Subscribe(ctx, engine.EventFilter{
//	    MinLevel: "warning",
//	})
//	defer tel.Events.Unsubscribe(ctx, id)
//
//	for event := range ch {
//	    fmt.Printf("%s %s\n", event.Type, event.Message)
//	}
//
// In async mode delivery happens on a background worker in batches;
// publishing never blocks a merge, and a full buffer drops events rather
// than stalling. Event ids are monotonic ULIDs, so a captured stream
// sorts into timeline order by id.
//
// ObserveEvents closes the loop between events and metrics: it watches
// the stream and keeps the merge counters, durations, and the head gauge
// current:
//
//	stop, err := tel.ObserveEvents(ctx, "policy")
//	defer stop()
//
// # Context Helpers
//
//	ic := telemetry.StartOperation(ctx, "driftctl.merge",
//	    telemetry.AttrMergeStrategy.String(strategy))
//	defer func() { ic.End(err) }()
//
//	ctx, end := telemetry.WithSessionContext(ctx, sessionID, "exec", path)
//	defer func() { end(err) }()
//
//	err = telemetry.RecordStorageOperation(ctx, "add_commit", func() error {
//	    return putCommit(ctx, journal)
//	})
//
// # Configuration
//
//	// Development: debug console logs, stdout traces, full sampling.
//	cfg := telemetry.DevelopmentConfig()
//
//	// Production: JSON logs with sampling, OTLP traces at 10%, metrics on.
//	cfg := telemetry.ProductionConfig()
//
// The config package maps its telemetry section onto this package's
// Config via ToTelemetry.
//
// # Graceful Shutdown
//
// Shutdown flushes buffered events to subscribers, exports pending spans,
// and stops the metrics endpoint:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//	if err := tel.Shutdown(ctx); err != nil {
//	    logger.WithError(err).Warn("telemetry shutdown incomplete")
//	}
package telemetry
