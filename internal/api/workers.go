package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/tgrelay/internal/api/models"
	"github.com/smazurov/tgrelay/internal/authsvc"
	"github.com/smazurov/tgrelay/internal/supervisor"
)

// ForwardingOfflineMessage is shown once the bot worker has given up restarting.
const ForwardingOfflineMessage = "message forwarding is currently offline"

func (s *Server) registerWorkerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/api/workers",
		Summary:     "List Workers",
		Description: "State of the bot worker and the auth service",
		Tags:        []string{"workers"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.WorkersResponse, error) {
		return &models.WorkersResponse{
			Body: models.WorkersData{
				Bot:  botWorkerData(s.options.Bot.Status()),
				Auth: authWorkerData(s.options.Auth.Status()),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "start-bot",
		Method:      http.MethodPost,
		Path:        "/api/workers/bot/start",
		Summary:     "Start Bot",
		Description: "Start the bot worker. Starting an exhausted worker resets its restart budget.",
		Tags:        []string{"workers"},
		Security:    withAuth(),
		Errors:      []int{401, 409, 500},
	}, func(_ context.Context, _ *struct{}) (*models.BotWorkerResponse, error) {
		if err := s.options.Bot.Start(); err != nil {
			if errors.Is(err, supervisor.ErrBusy) {
				return nil, huma.Error409Conflict("Bot worker is still stopping", err)
			}
			return nil, huma.Error500InternalServerError("Failed to start bot worker", err)
		}
		return &models.BotWorkerResponse{Body: botWorkerData(s.options.Bot.Status())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stop-bot",
		Method:      http.MethodPost,
		Path:        "/api/workers/bot/stop",
		Summary:     "Stop Bot",
		Description: "Stop the bot worker. It is not restarted until started again.",
		Tags:        []string{"workers"},
		Security:    withAuth(),
		Errors:      []int{401, 500},
	}, func(ctx context.Context, _ *struct{}) (*models.BotWorkerResponse, error) {
		ctx, cancel := s.workerContext(ctx)
		defer cancel()
		if err := s.options.Bot.Stop(ctx); err != nil {
			return nil, huma.Error500InternalServerError("Failed to stop bot worker", err)
		}
		return &models.BotWorkerResponse{Body: botWorkerData(s.options.Bot.Status())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "restart-bot",
		Method:      http.MethodPost,
		Path:        "/api/workers/bot/restart",
		Summary:     "Restart Bot",
		Description: "Stop the bot worker and start it again with a fresh restart budget",
		Tags:        []string{"workers"},
		Security:    withAuth(),
		Errors:      []int{401, 500},
	}, func(ctx context.Context, _ *struct{}) (*models.BotWorkerResponse, error) {
		ctx, cancel := s.workerContext(ctx)
		defer cancel()
		if err := s.options.Bot.Restart(ctx, s.options.Bot.Command()); err != nil {
			return nil, huma.Error500InternalServerError("Failed to restart bot worker", err)
		}
		return &models.BotWorkerResponse{Body: botWorkerData(s.options.Bot.Status())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "start-auth",
		Method:      http.MethodPost,
		Path:        "/api/workers/auth/start",
		Summary:     "Start Auth Service",
		Description: "Start the auth service and wait until it answers its health check",
		Tags:        []string{"workers"},
		Security:    withAuth(),
		Errors:      []int{401, 503},
	}, func(ctx context.Context, _ *struct{}) (*models.AuthWorkerResponse, error) {
		// The readiness wait must outlive a client that gives up early.
		if err := s.options.Auth.Start(context.WithoutCancel(ctx)); err != nil {
			return nil, huma.Error503ServiceUnavailable("Auth service failed to become ready", err)
		}
		return &models.AuthWorkerResponse{Body: authWorkerData(s.options.Auth.Status())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stop-auth",
		Method:      http.MethodPost,
		Path:        "/api/workers/auth/stop",
		Summary:     "Stop Auth Service",
		Description: "Stop the auth service; login calls fail until it is started again",
		Tags:        []string{"workers"},
		Security:    withAuth(),
		Errors:      []int{401, 500},
	}, func(ctx context.Context, _ *struct{}) (*models.AuthWorkerResponse, error) {
		ctx, cancel := s.workerContext(ctx)
		defer cancel()
		if err := s.options.Auth.Stop(ctx); err != nil {
			return nil, huma.Error500InternalServerError("Failed to stop auth service", err)
		}
		return &models.AuthWorkerResponse{Body: authWorkerData(s.options.Auth.Status())}, nil
	})
}

func (s *Server) workerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.options.WorkerTimeout)
}

func botWorkerData(st supervisor.Status) models.BotWorker {
	data := models.BotWorker{
		State:         string(st.State),
		PID:           st.PID,
		Attempts:      st.Attempts,
		MaxAttempts:   st.MaxAttempts,
		RestartsTotal: st.RestartsTotal,
		Command:       st.Command,
		StartedAt:     timePtr(st.StartedAt),
	}
	if st.LastExit != nil {
		data.LastExit = &models.WorkerExit{
			Code:       st.LastExit.Code,
			Signal:     st.LastExit.Signal,
			Error:      st.LastExit.Error,
			Deliberate: st.LastExit.Deliberate,
			At:         st.LastExit.At,
		}
	}
	if st.Offline() {
		data.ForwardingOffline = true
		data.Message = ForwardingOfflineMessage
	}
	return data
}

func authWorkerData(st authsvc.Status) models.AuthWorker {
	return models.AuthWorker{
		State:     string(st.State),
		PID:       st.PID,
		BaseURL:   st.BaseURL,
		ReadyAt:   timePtr(st.ReadyAt),
		Attempts:  st.Attempts,
		LastError: st.LastError,
		Breaker:   st.Breaker,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
