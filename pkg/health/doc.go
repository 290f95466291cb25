// Package health serves liveness and readiness probes.
//
// Checks are plain func(context.Context) error closures, the same shape the
// db, redis and job packages return from their Healthcheck helpers:
//
//	r.Get("/health/live", health.LivenessHandler())
//	r.Get("/health/ready", health.ReadinessHandler(health.Checks{
//		"postgres": db.Healthcheck(pool),
//		"redis":    redis.Healthcheck(client),
//	}, health.WithOptional("mail", breaker.Healthcheck())))
//
// Required checks decide readiness. Optional checks are reported but only
// downgrade the status to "degraded": a process whose mail transport is
// tripped can still accept scheduling requests.
//
// Responses are plain text unless the client asks for JSON with
// Accept: application/json or ?format=json.
package health
