package api

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/smazurov/tgrelay/internal/api/models"
	"github.com/smazurov/tgrelay/internal/authsvc"
	"github.com/smazurov/tgrelay/internal/events"
	"github.com/smazurov/tgrelay/internal/logging"
	"github.com/smazurov/tgrelay/internal/process"
	"github.com/smazurov/tgrelay/internal/supervisor"
	"github.com/smazurov/tgrelay/internal/version"
	"github.com/smazurov/tgrelay/ui"
)

// BotWorker is the bot supervisor as used by the API.
type BotWorker interface {
	Start() error
	Stop(ctx context.Context) error
	Restart(ctx context.Context, cmd process.Command) error
	Command() process.Command
	Status() supervisor.Status
}

// AuthService is the auth service manager as used by the API.
type AuthService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() authsvc.Status
	StartLogin(ctx context.Context, phone string) (*authsvc.LoginResult, error)
	VerifyCode(ctx context.Context, phone, code string) (*authsvc.LoginResult, error)
	Verify2FA(ctx context.Context, phone, password string) (*authsvc.LoginResult, error)
	CancelLogin(ctx context.Context, phone string) (*authsvc.LoginResult, error)
	Logout(ctx context.Context, phone *string) (*authsvc.LoginResult, error)
	LoginStatus(ctx context.Context, phone string) (*authsvc.StatusResult, error)
}

// Options configures the API server.
type Options struct {
	AuthUsername      string
	AuthPassword      string
	Bot               BotWorker
	Auth              AuthService
	EventBus          *events.Bus
	PrometheusHandler http.Handler // Optional Prometheus metrics handler

	// LoginRateLimit is the burst of login calls allowed per phone within
	// LoginRateWindow. Zero disables limiting.
	LoginRateLimit  int
	LoginRateWindow time.Duration
	// WorkerTimeout bounds start/stop/restart requests. Zero selects 30s.
	WorkerTimeout time.Duration
}

// Server is the dashboard API.
type Server struct {
	api      huma.API
	mux      *http.ServeMux
	options  *Options
	eventBus *events.Bus
	limiter  *PhoneRateLimiter
	logger   *slog.Logger
}

const authRealm = `Basic realm="tgrelay"`

// basicAuthMiddleware creates middleware for HTTP basic authentication
func (s *Server) basicAuthMiddleware(username, password string) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		// Skip auth for operations without security requirements
		op := ctx.Operation()
		if op != nil && len(op.Security) == 0 {
			next(ctx)
			return
		}

		credentials, msg := requestCredentials(ctx)
		if msg != "" {
			ctx.SetHeader("WWW-Authenticate", authRealm)
			huma.WriteErr(s.api, ctx, http.StatusUnauthorized, msg)
			return
		}

		user, pass, ok := strings.Cut(credentials, ":")
		if !ok {
			ctx.SetHeader("WWW-Authenticate", authRealm)
			huma.WriteErr(s.api, ctx, http.StatusUnauthorized, "Invalid credentials format")
			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1
		if !userOK || !passOK {
			ctx.SetHeader("WWW-Authenticate", authRealm)
			huma.WriteErr(s.api, ctx, http.StatusUnauthorized, "Invalid credentials")
			return
		}

		next(ctx)
	}
}

// requestCredentials returns "user:pass" from the Authorization header, or
// from the auth query parameter for SSE clients that cannot set headers.
func requestCredentials(ctx huma.Context) (string, string) {
	encoded := ""
	if header := ctx.Header("Authorization"); header != "" {
		const prefix = "Basic "
		if !strings.HasPrefix(header, prefix) {
			return "", "Invalid authentication type"
		}
		encoded = header[len(prefix):]
	} else {
		encoded = ctx.Query("auth")
	}
	if encoded == "" {
		return "", "Authentication required"
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "Invalid credentials format"
	}
	return string(decoded), ""
}

// NewServer creates the API server on a Go 1.22+ ServeMux.
func NewServer(opts *Options) *Server {
	if opts.WorkerTimeout <= 0 {
		opts.WorkerTimeout = 30 * time.Second
	}

	mux := http.NewServeMux()

	corsConfig := DefaultCORSConfig()
	AddCORSHandler(mux, corsConfig)

	config := huma.DefaultConfig("tgrelay API", version.String())
	config.Info.Description = "Supervision and login API for the Telegram relay workers"
	// Empty servers list will make OpenAPI use relative paths, working with any host
	config.Servers = []*huma.Server{}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {
			Type:   "http",
			Scheme: "basic",
		},
	}

	api := humago.New(mux, config)

	server := &Server{
		api:      api,
		mux:      mux,
		options:  opts,
		eventBus: opts.EventBus,
		logger:   logging.GetLogger("api"),
	}
	if opts.LoginRateLimit > 0 {
		server.limiter = NewPhoneRateLimiter(opts.LoginRateLimit, opts.LoginRateWindow)
	}

	// CORS first, then request logging, then auth
	api.UseMiddleware(NewCORSMiddleware(corsConfig))
	api.UseMiddleware(HTTPLoggingMiddleware)
	if opts.AuthUsername != "" && opts.AuthPassword != "" {
		api.UseMiddleware(server.basicAuthMiddleware(opts.AuthUsername, opts.AuthPassword))
	}

	// No auth on /metrics; registered before the frontend catch-all
	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}

	server.registerRoutes()

	if frontendHandler, err := ui.Handler(); err == nil {
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/api") {
				http.NotFound(w, r)
				return
			}
			frontendHandler.ServeHTTP(w, r)
		})
	}

	return server
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// GetAPI returns the Huma API instance
func (s *Server) GetAPI() huma.API {
	return s.api
}

// RateLimiter returns the per-phone login limiter, or nil when disabled.
func (s *Server) RateLimiter() *PhoneRateLimiter {
	return s.limiter
}

// HTTPServer returns an *http.Server serving the API on addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	s.logger.Info("API server configured", "addr", addr, "docs", "http://"+addr+"/docs")
	return &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// registerRoutes sets up all API endpoints
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Check API health status",
		Tags:        []string{"health"},
		Security:    []map[string][]string{}, // Empty security = no auth required
	}, func(_ context.Context, _ *struct{}) (*models.HealthResponse, error) {
		return &models.HealthResponse{
			Body: models.HealthData{
				Status:  "ok",
				Message: "API is healthy",
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Get application version information",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(_ context.Context, _ *struct{}) (*models.VersionResponse, error) {
		info := version.Get()
		return &models.VersionResponse{
			Body: models.VersionData{
				Version:   info.Version,
				GitCommit: info.GitCommit,
				BuildDate: info.BuildDate,
				BuildID:   info.BuildID,
				GoVersion: info.GoVersion,
				Compiler:  info.Compiler,
				Platform:  info.Platform,
			},
		}, nil
	})

	s.registerWorkerRoutes()
	s.registerAuthRoutes()
	s.registerSSERoutes()
	s.registerLogRoutes()
}

// withAuth returns security requirement for basic auth
func withAuth() []map[string][]string {
	return []map[string][]string{
		{"basicAuth": {}},
	}
}
