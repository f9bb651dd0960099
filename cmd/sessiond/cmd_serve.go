package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/Morditux/sqlsession"
)

var serveHwd = &ServeRunner{}

type ServeRunner struct{}

func (r *ServeRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Serve a demo application whose sessions live in the store",
		Action: r.run,
	}
}

func (r *ServeRunner) run(ctx context.Context, _ *cli.Command) error {
	cfg := rt.cfg
	log := rt.log

	reg := newRegistry()
	store, cleanup, err := openStore(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer cleanup()

	secure := cfg.HTTP.Secure
	mgr, err := sqlsession.NewManager(sqlsession.Config{
		Store:        store,
		TTL:          cfg.HTTP.TTL,
		CookieName:   cfg.HTTP.CookieName,
		CookieDomain: cfg.HTTP.CookieDomain,
		GCSchedule:   cfg.HTTP.GCSchedule,
		Secure:       &secure,
		Logger:       log,
	})
	if err != nil {
		store.Close()
		return err
	}
	// Closes the store as well.
	defer mgr.Close()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           newRouter(mgr, store, reg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("sessiond listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info("shutdown signal received, draining requests")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	log.Info("all stopped, good bye!")
	return nil
}

// newRegistry returns the private registry served on /metrics, with runtime collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// newRouter mounts the demo pages behind the session middleware. Health and metrics
// endpoints do not touch sessions.
func newRouter(mgr *sqlsession.Manager, store *sqlsession.Store, reg *prometheus.Registry, log logrus.FieldLogger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			log.WithError(err).Warn("health check failed")
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "ok")
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	d := &demo{mgr: mgr, log: log}
	r.Group(func(r chi.Router) {
		r.Use(mgr.Middleware)
		r.Get("/", d.visit)
		r.Post("/login", d.login)
		r.Post("/logout", d.logout)
	})
	return r
}

type demo struct {
	mgr *sqlsession.Manager
	log logrus.FieldLogger
}

func (d *demo) visit(w http.ResponseWriter, r *http.Request) {
	s, ok := sqlsession.FromContext(r.Context())
	if !ok {
		http.Error(w, "no session", http.StatusInternalServerError)
		return
	}

	count := 0
	if v, ok := s.Get("count"); ok {
		count, _ = v.(int)
	}
	count++
	s.Set("count", count)

	if err := d.mgr.Save(w, r, s); err != nil {
		d.fail(w, err)
		return
	}

	if s.Lock != sqlsession.LockAcquired {
		w.Header().Set("X-Session-Lock", s.Lock.String())
	}
	greeting := "Hello"
	if user, ok := s.Get("user"); ok {
		greeting += " " + fmt.Sprint(user)
	}
	fmt.Fprintf(w, "%s! You have visited this page %d times.", greeting, count)
}

func (d *demo) login(w http.ResponseWriter, r *http.Request) {
	s, _ := sqlsession.FromContext(r.Context())
	user := strings.TrimSpace(r.FormValue("user"))
	if user == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}

	s.Set("user", user)
	// A new ID on privilege change keeps a planted cookie from being reused.
	if err := d.mgr.Regenerate(w, r, s); err != nil {
		d.fail(w, err)
		return
	}
	fmt.Fprintf(w, "Logged in as %s", user)
}

func (d *demo) logout(w http.ResponseWriter, r *http.Request) {
	s, _ := sqlsession.FromContext(r.Context())
	if err := d.mgr.Destroy(w, r, s); err != nil {
		d.fail(w, err)
		return
	}
	fmt.Fprint(w, "Logged out!")
}

func (d *demo) fail(w http.ResponseWriter, err error) {
	d.log.WithError(err).Error("session request failed")
	status := http.StatusInternalServerError
	if errors.Is(err, sqlsession.ErrSessionTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	http.Error(w, http.StatusText(status), status)
}
