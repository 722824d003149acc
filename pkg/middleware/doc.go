// Package middleware provides HTTP middleware for bearer authentication and rate limiting.
//
// Authenticator verifies HS256 tokens whose subject is the actor id and whose actor_type
// claim is one of the rbac actor types. The resulting rbac.Actor is stored in the request
// context; handlers read it once with ActorFromContext and pass it explicitly to the
// services.
//
//	authn, err := middleware.NewAuthenticator(cfg.Auth, logger)
//	protected := router.PathPrefix("/v1").Subrouter()
//	protected.Use(authn.Handler)
//
// RateLimit guards the unauthenticated invitation endpoints per client IP, backed by an
// in-process token bucket (LocalLimiter) or a Redis counter shared across instances
// (RedisLimiter). Limiter failures let the request through.
package middleware
