// Package handlers contains the health checks and middleware shared by the
// HTTP API.
//
// # Health Checks
//
// The HealthChecker interface allows registering multiple named health checks
// that are executed in parallel:
//
//	checker := handlers.NewCompositeHealthChecker("v1", handlers.WithCheckTimeout(5*time.Second))
//	checker.AddCheck("database", handlers.NewDatabaseCheck(conn))
//	checker.AddCheck("engine", handlers.NewRunningCheck("engine", eng))
//	checker.AddOptionalCheck("redis", handlers.NewPingCheck(redisStore))
//
//	status := checker.Check(ctx)
//	if !status.Healthy {
//		log.Error("health check failed", "message", status.Message)
//	}
//
// # Middleware
//
// API key authentication guards the cache and job administration routes:
//
//	auth := handlers.NewAPIKeyAuth("X-API-Key", keys)
//	r.With(auth.Middleware).Post("/cache/clear", clear)
package handlers
