// Package telemetry provides comprehensive observability instrumentation for OpenRig.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring and debugging OpenRig machine operations.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event system for audit and notifications
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "openrig"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context propagation:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithMachine("web-1").WithAction("up")
//	logger.Info("Dispatching machine action")
//	logger.WithError(err).Error("Action failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into dispatch flow and performance:
//
//	ctx, span := tel.Tracer.Start(ctx, "operation.name")
//	defer span.End()
//
//	// Add attributes
//	span.SetAttributes(
//	    attribute.String("machine.name", machineName),
//	    attribute.String("action", "up"),
//	)
//
//	// Record events
//	span.AddEvent("provider.resolved")
//
//	// Record errors
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development)
//
// # Metrics
//
// Prometheus metrics track system behavior and performance:
//
//	// Record action dispatch
//	tel.Metrics.RecordActionDispatched("up")
//	tel.Metrics.RecordActionCompleted("up", "succeeded", duration)
//
//	// Record provider calls
//	tel.Metrics.RecordProviderCall("virtualbox", "state", duration)
//
//	// Record identity store commits
//	tel.Metrics.RecordStoreCommit("succeeded", duration)
//
//	// Record errors
//	tel.Metrics.RecordError("permanent", "UNIMPLEMENTED_ACTION")
//
// Metrics are exposed via HTTP at /metrics (default: :9464/metrics)
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering:
//
//	// Publish events
//	tel.Events.PublishActionStarted(runID, machine, action)
//	tel.Events.PublishMachineIDSet(machine, id)
//	tel.Events.PublishPolicyDenied(runID, machine, action, reason)
//
//	// Subscribe to events
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByRunID, FilterByMachine
//
// # Context Helpers
//
// High-level helpers simplify common instrumentation patterns:
//
//	// Instrument an operation
//	ic := telemetry.StartOperation(ctx, "machine.construct",
//	    attribute.String("machine.name", name))
//	defer ic.End(err)
//
//	ic.Logger.Info("Constructing machine")
//
//	// Dispatch context
//	ctx = telemetry.WithDispatchContext(ctx, runID, machine, action)
//	defer telemetry.EndDispatchContext(ctx, runID, machine, action, status, err)
//
//	// Provider operation
//	err := telemetry.RecordProviderOperation(ctx, "virtualbox", "state", func() error {
//	    return provider.Refresh(ctx)
//	})
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	// Development (verbose logging, stdout traces, full sampling)
//	cfg := telemetry.DevelopmentConfig()
//
//	// Production (JSON logs, OTLP traces, 10% sampling)
//	cfg := telemetry.ProductionConfig()
//
//	// Custom configuration
//	cfg := &telemetry.Config{
//	    ServiceName: "openrig",
//	    ServiceVersion: "1.0.0",
//	    Environment: "staging",
//	    Logging: telemetry.LoggingConfig{
//	        Level: "info",
//	        Format: "json",
//	    },
//	    Tracing: telemetry.TracingConfig{
//	        Enabled: true,
//	        Exporter: "otlp",
//	        Endpoint: "otel-collector:4317",
//	        SamplingRate: 0.1,
//	    },
//	    Metrics: telemetry.MetricsConfig{
//	        Enabled: true,
//	        ListenAddress: ":9464",
//	    },
//	}
//
// # Performance Considerations
//
// The telemetry system is designed for minimal overhead:
//
//   - Structured logging uses zerolog's zero-allocation approach
//   - Tracing uses sampling to reduce data volume in production
//   - Metrics use Prometheus's efficient storage format
//   - Events are buffered and batched to reduce I/O
//   - All operations are non-blocking when possible
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
//
// This ensures:
//   - All buffered events are published
//   - All pending traces are exported
//   - Metrics are finalized
//
// # Integration with the OpenRig Engine
//
// The engine components automatically integrate with telemetry when available:
//
//  1. Action dispatch: Per-action tracing and metrics with run correlation
//  2. Providers: Provider call tracking and error classification
//  3. Identity store: Commit timing and failure counts
//  4. Policy engine: Policy denial events
//
// # Exporters
//
// Tracing supports multiple exporters:
//
//   - "stdout": Print traces to stdout (development)
//   - "otlp": Export via OTLP/gRPC (production, works with collectors)
//   - "none": Generate traces but don't export (testing)
//
// Configure via TracingConfig.Exporter and TracingConfig.Endpoint
//
// # Common Metrics
//
// Key metrics exposed:
//
//   - openrig_actions_dispatched_total{action}
//   - openrig_action_duration_seconds{action,status}
//   - openrig_actions_in_flight
//   - openrig_unimplemented_actions_total{action,provider}
//   - openrig_policy_denials_total{action}
//   - openrig_provider_calls_total{provider,operation}
//   - openrig_provider_call_duration_seconds{provider,operation}
//   - openrig_store_commits_total{status}
//   - openrig_store_commit_duration_seconds
//   - openrig_machines_created_total{provider}
//   - openrig_errors_by_class_total{class}
//
// # Best Practices
//
//  1. Always use context to propagate telemetry
//  2. Use component-specific loggers for clarity
//  3. Add meaningful attributes to spans
//  4. Record both success and failure metrics
//  5. Use appropriate log levels
//  6. Filter events to avoid overwhelming subscribers
//  7. Monitor telemetry overhead in production
//  8. Configure sampling for high-volume systems
//  9. Always call defer span.End() after starting a span
//  10. Shut down gracefully to avoid data loss
//
// # Security Considerations
//
//   - Never log sensitive data (credentials, keys, tokens)
//   - Sanitize machine names if they contain PII
//   - Use secure connections (TLS) for trace exporters in production
//   - Limit metrics endpoint access via network policies
//   - Consider event data before adding to audit logs
package telemetry
