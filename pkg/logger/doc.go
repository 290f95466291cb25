// Package logger builds the process-wide structured logger.
//
// Records are written as JSON (or text) to stdout through log/slog. Two kinds of
// request-scoped enrichment are supported:
//
//   - Attributes stored on the context with [WithAttrs] are appended to every
//     record logged with that context.
//   - [ContextExtractor] functions pull a single attribute out of the context
//     (for example the request ID set by an HTTP middleware).
//
// When a Sentry DSN is configured, records are fanned out to Sentry as well:
// errors become issues and warnings are stored as breadcrumb logs.
//
//	log := logger.New(cfg, requestIDExtractor)
//	ctx = logger.WithAttrs(ctx, slog.String("email_id", id))
//	log.InfoContext(ctx, "email sent")
//	// {"level":"INFO","msg":"email sent","email_id":"..."}
package logger
