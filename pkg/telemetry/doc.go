// Package telemetry provides logging, metrics, tracing and the asynchronous
// event log used by every quanta role.
//
// Logging is structured through zerolog. Components derive their own logger
// with NewComponentLogger and attach fields with WithField or WithRole.
//
// Metrics are Prometheus collectors on a private registry, served by the
// admin HTTP surface through Metrics.Handler. All recording methods accept a
// nil receiver so packages can run without metrics in tests.
//
// Tracing wraps OpenTelemetry. Fuse passes and job assignment passes open
// spans with StartFuseSpan and StartAssignSpan.
//
// EventLog implements the fire-and-forget logger collaborator:
//
//	events := telemetry.NewEventLog(cfg.Events, logger)
//	events.Log("fuse", telemetry.EventLevelWarning, "overload", "woke late", nil)
//
// Log never blocks. When the buffer is full the event is dropped and counted.
package telemetry
