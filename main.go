package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"

	"github.com/smazurov/tgrelay/cmd"
	"github.com/smazurov/tgrelay/internal/api"
	"github.com/smazurov/tgrelay/internal/authsvc"
	"github.com/smazurov/tgrelay/internal/config"
	"github.com/smazurov/tgrelay/internal/events"
	"github.com/smazurov/tgrelay/internal/host"
	"github.com/smazurov/tgrelay/internal/logging"
	"github.com/smazurov/tgrelay/internal/metrics/exporters"
	"github.com/smazurov/tgrelay/internal/process"
	"github.com/smazurov/tgrelay/internal/pylog"
	"github.com/smazurov/tgrelay/internal/restart"
	"github.com/smazurov/tgrelay/internal/supervisor"
	"github.com/smazurov/tgrelay/internal/systemd"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port            string `help:"Dashboard listen address" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`
	ShutdownTimeout string `help:"Graceful shutdown budget" default:"30s" toml:"server.shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`

	// Worker launch settings
	WorkersMode        string `help:"Deployment mode (dev, production)" default:"dev" toml:"workers.mode" env:"WORKERS_MODE"`
	WorkersDir         string `help:"Worker checkout directory" default:"." toml:"workers.dir" env:"WORKERS_DIR"`
	WorkersPython      string `help:"Python interpreter for dev mode" default:"python3" toml:"workers.python" env:"WORKERS_PYTHON"`
	WorkersRunner      string `help:"uv executable for production mode" default:"uv" toml:"workers.uv" env:"WORKERS_UV"`
	WorkersAuthHost    string `help:"Auth service bind host" default:"127.0.0.1" toml:"workers.auth_host" env:"WORKERS_AUTH_HOST"`
	WorkersAuthPort    int    `help:"Auth service port" default:"8765" toml:"workers.auth_port" env:"WORKERS_AUTH_PORT"`
	WorkersBotCommand  string `help:"Bot command line override" default:"" toml:"workers.bot_command" env:"WORKERS_BOT_COMMAND"`
	WorkersAuthCommand string `help:"Auth service command line override" default:"" toml:"workers.auth_command" env:"WORKERS_AUTH_COMMAND"`
	WorkersWatch       bool   `help:"Reload worker settings when the config file changes" default:"true" toml:"workers.watch" env:"WORKERS_WATCH"`

	// Auth service settings
	AuthHealthInterval string `help:"Delay between readiness polls" default:"1s" toml:"auth.health_interval" env:"AUTH_HEALTH_INTERVAL"`
	AuthHealthAttempts int    `help:"Readiness polls before giving up" default:"30" toml:"auth.health_attempts" env:"AUTH_HEALTH_ATTEMPTS"`
	AuthCallTimeout    string `help:"Per-call timeout for auth RPCs" default:"10s" toml:"auth.rpc_timeout" env:"AUTH_RPC_TIMEOUT"`
	AuthMaxAttempts    int    `help:"Auth service restarts before giving up" default:"3" toml:"auth.max_attempts" env:"AUTH_MAX_ATTEMPTS"`
	AuthRestartDelay   string `help:"Delay before restarting the auth service" default:"5s" toml:"auth.restart_delay" env:"AUTH_RESTART_DELAY"`
	AuthRequired       bool   `help:"Exit when the auth service fails to start" default:"false" toml:"auth.required" env:"AUTH_REQUIRED"`
	AuthGracePeriod    string `help:"Wait after SIGTERM before SIGKILL for the auth service" default:"10s" toml:"auth.grace_period" env:"AUTH_GRACE_PERIOD"`

	// Bot restart policy
	BotMaxAttempts       int    `help:"Consecutive bot restarts before giving up" default:"5" toml:"bot.max_attempts" env:"BOT_MAX_ATTEMPTS"`
	BotRestartDelay      string `help:"Delay before restarting the bot" default:"5s" toml:"bot.restart_delay" env:"BOT_RESTART_DELAY"`
	BotBackoffMultiplier string `help:"Delay growth per attempt, 1 keeps it flat" default:"1" toml:"bot.backoff_multiplier" env:"BOT_BACKOFF_MULTIPLIER"`
	BotMaxDelay          string `help:"Cap on the grown delay, 0 for none" default:"0s" toml:"bot.max_delay" env:"BOT_MAX_DELAY"`
	BotHealthyAfter      string `help:"Uptime after which the attempt count resets" default:"60s" toml:"bot.healthy_after" env:"BOT_HEALTHY_AFTER"`
	BotGracePeriod       string `help:"Wait after SIGTERM before SIGKILL" default:"10s" toml:"bot.grace_period" env:"BOT_GRACE_PERIOD"`

	// Dashboard settings
	DashboardUsername    string `help:"Basic auth username" default:"admin" toml:"dashboard.username" env:"DASHBOARD_USERNAME"`
	DashboardPassword    string `help:"Basic auth password" default:"password" toml:"dashboard.password" env:"DASHBOARD_PASSWORD"`
	DashboardLoginLimit  int    `help:"Login calls per phone per window, 0 disables" default:"5" toml:"dashboard.login_rate_limit" env:"DASHBOARD_LOGIN_RATE_LIMIT"`
	DashboardLoginWindow string `help:"Login rate limit window" default:"15m" toml:"dashboard.login_rate_window" env:"DASHBOARD_LOGIN_RATE_WINDOW"`
	DashboardMetricsTick string `help:"Worker metrics SSE interval" default:"5s" toml:"dashboard.metrics_interval" env:"DASHBOARD_METRICS_INTERVAL"`

	// Logging settings
	LoggingLevel      string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat     string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingBot        string `help:"Bot worker output logging level" default:"info" toml:"logging.bot" env:"LOGGING_BOT"`
	LoggingAuth       string `help:"Auth service logging level" default:"info" toml:"logging.auth" env:"LOGGING_AUTH"`
	LoggingSupervisor string `help:"Supervisor logging level" default:"info" toml:"logging.supervisor" env:"LOGGING_SUPERVISOR"`
	LoggingAPI        string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
}

// workerSettings maps the flat options onto config.WorkerSettings.
func (o *Options) workerSettings() config.WorkerSettings {
	return config.WorkerSettings{
		Mode:        config.Mode(o.WorkersMode),
		Dir:         o.WorkersDir,
		Python:      o.WorkersPython,
		UV:          o.WorkersRunner,
		AuthHost:    o.WorkersAuthHost,
		AuthPort:    o.WorkersAuthPort,
		BotCommand:  o.WorkersBotCommand,
		AuthCommand: o.WorkersAuthCommand,
	}
}

// bootWorkerSettings adds the [workers.env] table to the option-derived
// settings. Other [workers] keys were already resolved by the config loader.
// A missing config file leaves the env empty.
func (o *Options) bootWorkerSettings() (config.WorkerSettings, error) {
	settings := o.workerSettings()
	loaded, err := config.LoadWorkerSettings(o.Config, settings)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return settings, nil
		}
		return settings, err
	}
	settings.Env = loaded.Env
	return settings, nil
}

func (o *Options) authConfig(settings config.WorkerSettings, command process.Command) authsvc.Config {
	return authsvc.Config{
		Command:        command,
		BaseURL:        settings.AuthBaseURL(),
		HealthInterval: parseDuration(o.AuthHealthInterval, time.Second),
		HealthAttempts: o.AuthHealthAttempts,
		RPCTimeout:     parseDuration(o.AuthCallTimeout, 10*time.Second),
		GracePeriod:    parseDuration(o.AuthGracePeriod, 10*time.Second),
		Restart:        o.authPolicy(),
	}
}

func (o *Options) botPolicy() restart.Policy {
	policy := restart.DefaultPolicy()
	policy.MaxAttempts = o.BotMaxAttempts
	policy.InitialDelay = parseDuration(o.BotRestartDelay, policy.InitialDelay)
	policy.MaxDelay = parseDuration(o.BotMaxDelay, 0)
	policy.HealthyRunThreshold = parseDuration(o.BotHealthyAfter, policy.HealthyRunThreshold)
	if m, err := strconv.ParseFloat(o.BotBackoffMultiplier, 64); err == nil {
		policy.Multiplier = m
	}
	return policy
}

func (o *Options) authPolicy() restart.Policy {
	policy := restart.DefaultPolicy()
	policy.MaxAttempts = o.AuthMaxAttempts
	policy.InitialDelay = parseDuration(o.AuthRestartDelay, policy.InitialDelay)
	return policy
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		// Initialize logging system. The file may name modules beyond the
		// ones with flags; flag-backed modules follow option precedence.
		loggingConfig := config.LoadLoggingConfig(opts.Config)
		loggingConfig.Level = opts.LoggingLevel
		loggingConfig.Format = opts.LoggingFormat
		loggingConfig.Modules["bot"] = opts.LoggingBot
		loggingConfig.Modules["auth"] = opts.LoggingAuth
		loggingConfig.Modules["supervisor"] = opts.LoggingSupervisor
		loggingConfig.Modules["api"] = opts.LoggingAPI
		logging.Initialize(loggingConfig)

		logger := logging.GetLogger("main")

		// Create event bus for in-process event handling
		eventBus := events.New()
		logging.SetLogCallback(func(entry logging.LogEntry) {
			eventBus.Publish(api.LogEvent(entry))
		})

		settings, err := opts.bootWorkerSettings()
		if err != nil {
			logger.Error("Failed to read worker settings", "error", err)
			os.Exit(1)
		}
		botCmd, authCmd, err := config.WorkerCommands(settings)
		if err != nil {
			logger.Error("Invalid worker settings", "error", err)
			os.Exit(1)
		}

		bot := supervisor.New("bot", botCmd, opts.botPolicy(),
			supervisor.WithLogger(logging.GetLogger("supervisor")),
			supervisor.WithOutputLogger(logging.GetLogger("bot")),
			supervisor.WithLogParser(pylog.ParseLogLevel),
			supervisor.WithEventBus(eventBus),
			supervisor.WithGracePeriod(parseDuration(opts.BotGracePeriod, 10*time.Second)),
		)

		auth := authsvc.NewManager(opts.authConfig(settings, authCmd),
			authsvc.WithLogger(logging.GetLogger("auth")),
			authsvc.WithOutputLogger(logging.GetLogger("auth")),
			authsvc.WithLogParser(pylog.ParseLogLevel),
			authsvc.WithEventBus(eventBus),
		)

		server := api.NewServer(&api.Options{
			AuthUsername:      opts.DashboardUsername,
			AuthPassword:      opts.DashboardPassword,
			Bot:               bot,
			Auth:              auth,
			EventBus:          eventBus,
			PrometheusHandler: exporters.HTTPHandler(),
			LoginRateLimit:    opts.DashboardLoginLimit,
			LoginRateWindow:   parseDuration(opts.DashboardLoginWindow, 15*time.Minute),
		})

		notifier := systemd.NewNotifier(logging.GetLogger("systemd"))
		shutdownTimeout := parseDuration(opts.ShutdownTimeout, 30*time.Second)

		tree := host.NewTree(logging.GetLogger("supervisor-tree"), host.TreeConfig{})
		tree.AddAPIService(host.NewHTTPService("http-server", server.HTTPServer(opts.Port), 10*time.Second))
		if limiter := server.RateLimiter(); limiter != nil {
			tree.AddAPIService(limiter)
		}
		tree.AddSystemService(exporters.NewSSEExporter(eventBus,
			exporters.WorkerSource(bot, auth), parseDuration(opts.DashboardMetricsTick, 5*time.Second)))
		if interval := systemd.WatchdogInterval(); interval > 0 {
			tree.AddSystemService(&systemd.WatchdogService{Notifier: notifier, Interval: interval})
		}
		if opts.WorkersWatch {
			base := settings
			watcher := config.NewConfigWatcher(opts.Config,
				func(path string) (config.WorkerSettings, error) {
					return config.LoadWorkerSettings(path, base)
				},
				logging.GetLogger("config"),
			)
			reloader := host.NewBotReloader(bot, shutdownTimeout, logging.GetLogger("config"))
			watcher.OnReload(reloader.Handle)
			tree.AddSystemService(watcher)
		}

		lifecycle := host.New(host.Config{
			RequireAuth:     opts.AuthRequired,
			ShutdownTimeout: shutdownTimeout,
		}, bot, auth,
			host.WithTree(tree),
			host.WithNotifier(notifier),
			host.WithLogger(logging.GetLogger("host")),
		)

		hooks.OnStart(func() {
			logger.Info("Starting tgrelay",
				"mode", settings.Mode,
				"bot", botCmd.String(),
				"auth", authCmd.String(),
				"port", opts.Port)
			if runErr := lifecycle.Run(context.Background()); runErr != nil {
				logger.Error("Host stopped with error", "error", runErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if stopErr := lifecycle.Shutdown(ctx); stopErr != nil {
				logger.Error("Error during shutdown", "error", stopErr)
			}
		})
	})

	cli.Root().Use = "tgrelay"
	cli.Root().Short = "Supervise the Telegram relay bot and its auth service"
	cli.Root().AddCommand(cmd.CreateWorkersCmd())
	cli.Root().AddCommand(cmd.CreateAuthCheckCmd())

	// Run the CLI
	cli.Run()
}
