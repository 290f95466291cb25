// Package redis opens the shared [github.com/redis/go-redis/v9] client used for
// per-sender counters and the dispatch queue.
//
// [Open] validates the URL scheme (redis:// or rediss://), applies pool settings
// from [Config] and retries the initial ping with a linear backoff. [Healthcheck]
// and [Shutdown] return closures for readiness probes and ordered shutdown.
//
//	client, err := redis.Open(ctx, cfg.Redis)
//	if err != nil {
//		return err
//	}
//	hooks = append(hooks, redis.Shutdown(client))
package redis
