package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"clubchat/internal/database"
	"clubchat/internal/hub"
	"clubchat/internal/jwt"
	"clubchat/internal/keyValue"
	"clubchat/internal/models"
	"clubchat/internal/snowflake"
	"clubchat/internal/validator"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	validatorpkg "github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type Handlers struct {
	cfg      *models.ConfigFile
	sugar    *zap.SugaredLogger
	db       *database.DB
	hub      *hub.Hub
	kv       *keyValue.Store
	jwt      *jwt.Issuer
	ids      *snowflake.Generator
	validate *validatorpkg.Validate
}

func New(cfg *models.ConfigFile, sugar *zap.SugaredLogger, db *database.DB, h *hub.Hub, kv *keyValue.Store, ids *snowflake.Generator) *Handlers {
	handlers := &Handlers{
		cfg:      cfg,
		sugar:    sugar,
		db:       db,
		hub:      h,
		kv:       kv,
		jwt:      jwt.NewIssuer(cfg.JwtSecret, cfg.IsHttps()),
		ids:      ids,
		validate: validator.New(),
	}
	h.SetFilter(handlers.visibleOnly)
	return handlers
}

func (h *Handlers) Router() http.Handler {
	r := chi.NewRouter()
	if h.cfg.Cors {
		r.Use(AllowCors)
	}
	if h.cfg.BehindProxy {
		r.Use(middleware.RealIP)
	}
	if h.cfg.PrintHttpRequests {
		r.Use(middleware.Logger)
	}

	r.Use(middleware.Recoverer)

	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.Timeout(60 * time.Second))

		api.Route("/auth", func(r chi.Router) {
			r.Post("/login", h.Login)
			r.Post("/register", h.Register)
			r.With(h.UserVerifier).Get("/isLoggedIn", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
		})

		api.Route("/user", func(r chi.Router) {
			r.Use(h.UserVerifier)
			r.Get("/fetch", h.GetUserInfo)
		})

		api.Route("/channel", func(r chi.Router) {
			r.Use(h.UserVerifier)
			r.Get("/fetch", h.GetChannelList)
			r.Post("/create", h.CreateChannel)
			r.Post("/delete", h.DeleteChannel)
		})

		api.Route("/chat", func(r chi.Router) {
			r.Use(h.UserVerifier)
			r.Get("/fetch", h.GetChat)
			r.Post("/report", h.ReportMessage)
		})
	})

	r.With(h.UserVerifier).Get("/ws", h.HandleWebSocket)

	return r
}

// ListenAndServe serves the router until ctx is done, then shuts down
// gracefully.
func (h *Handlers) ListenAndServe(ctx context.Context) error {
	address := fmt.Sprintf("%s:%s", h.cfg.Address, h.cfg.Port)
	server := &http.Server{
		Addr:              address,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		h.sugar.Infof("Listening on %s", address)
		if h.cfg.IsHttps() {
			errCh <- server.ListenAndServeTLS(h.cfg.TlsCert, h.cfg.TlsKey)
		} else {
			errCh <- server.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
