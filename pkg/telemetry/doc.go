// Package telemetry provides logging, tracing, metrics and events for nixh.
//
// Structured logging uses zerolog, tracing uses OpenTelemetry with an OTLP or
// stdout exporter, metrics use a private Prometheus registry, and progress is
// published on a small in-process event bus.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//	ic := telemetry.StartOperation(ctx, "engine.execute",
//	    telemetry.AttrOperation.String("quick_install"))
//	defer ic.End(err)
//
// # Privacy
//
// Request text typed by the user is never attached to spans, metric labels or
// events. Loggers carry a request ID instead.
//
// # Metrics
//
//   - nixh_tier_selections_total{subsystem,tier,degraded}
//   - nixh_intent_stage_results_total{stage,outcome}
//   - nixh_intent_confidence{stage}
//   - nixh_executions_total{method,mode,outcome}
//   - nixh_execution_errors_total{kind,tier}
//   - nixh_privileged_busy_total
//   - nixh_capability_reprobes_total
package telemetry
