// Package logging provides structured logging with per-module log levels.
//
// # Overview
//
// Every logger fans out to up to three sinks:
//   - stdout (text or JSON) when a terminal, pipe, or file is attached
//   - the systemd journal when journald is reachable
//   - an in-memory ring buffer that backs the /api/logs stream
//
// Initialize once at startup:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"supervisor": "debug",
//			"api":        "warn",
//		},
//	})
//
// Then ask for a module logger:
//
//	logger := logging.GetLogger("bot")
//	logger.Info("Worker started", "pid", pid)
//
// Loggers obtained before Initialize are kept and picked up by it, so
// package-level loggers are safe. Levels can be changed at runtime with
// SetModuleLevel.
//
// # Worker output
//
// Lines read from the bot and auth service are logged through the
// "bot-output" and "auth-service" modules with a "stream" attribute, so
// they can be silenced or filtered independently of supervisor logs:
//
//	journalctl -t tgrelay MODULE=bot-output
//	journalctl -t tgrelay -p err
//
// # Configuration
//
//	[logging]
//	level = "info"
//	format = "text"
//	buffer_size = 1000
//
//	[logging.modules]
//	supervisor = "debug"
package logging
