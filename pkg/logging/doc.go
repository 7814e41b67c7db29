// Package logging provides the broker's structured logging: a thin wrapper
// around log/slog with a subsystem tag on every call.
//
// # Usage
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//	logging.Info("Router", "listening on %s", addr)
//	logging.Debug("Supervisor", "spawning server %s", serverID)
//	logging.Warn("OAuth2", "token for %s expires in %s", issuer, ttl)
//	logging.Error("Store", err, "migration failed")
//
// Audit writes an AuditEvent describing a security-sensitive action (for
// example a token exchange, an OAuth2 callback or a subprocess reset) at
// INFO level with an [AUDIT] prefix so it can be filtered separately from
// ordinary operational logging. The broker's own packages do not call it;
// those actions are logged through Info, Warn and Error.
package logging
