// Package logger provides the control plane's structured logging
// implementation: a JSON/text SimpleLogger that satisfies core.Logger and
// core.ComponentAwareLogger.
//
// # Structured logging
//
// All log methods accept a field map for rich, queryable context:
//
//	log.Info("commit accepted", map[string]interface{}{
//	    "commit_id":   commit.ID,
//	    "workflow_id": commit.Metadata.WorkflowID,
//	})
//
// # Component-scoped loggers
//
// WithComponent returns a child logger that stamps every entry with a
// component name, so log lines can be filtered per subsystem without any
// package-level state:
//
//	validationLog := log.WithComponent("validation")
//	policyLog := log.WithComponent("policy")
//
// # Configuration
//
// Level and format are set via core.LoggingConfig, resolved through the
// plane's three-layer configuration priority (defaults, then env vars
// prefixed PLANE_LOG_*, then functional options).
package logger
