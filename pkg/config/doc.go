// Package config loads porter's configuration.
//
// Values come from three layers, each overriding the previous one: built-in defaults,
// an optional YAML file named by PORTER_CONFIG, and PORTER_* environment variables.
// The result is validated before it is returned.
//
// A minimal file:
//
//	server:
//	  port: "8080"
//	  health_port: "9090"
//	database:
//	  driver: pgx
//	  url: postgres://porter@db/porter
//	auth:
//	  issuer: porter
//	catalog:
//	  path: /etc/porter/roles.yaml
//	  watch: true
//
// Secrets are best supplied through the environment:
//
//	PORTER_AUTH_SECRET="..."     # at least 32 bytes
//	PORTER_DATABASE_URL="postgres://..."
//	PORTER_REDIS_URL="redis://cache:6379/0"
//	PORTER_S3_SECRET_KEY="..."
//
// WatchFile notifies a callback when a file such as the role catalog changes, so the
// API can re-apply custom roles without a restart.
package config
