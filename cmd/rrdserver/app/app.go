package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/netdata/rrdserver/modules/api"
	"github.com/netdata/rrdserver/modules/ingester/pluginsd"
	"github.com/netdata/rrdserver/modules/ingester/procfs"
	"github.com/netdata/rrdserver/pkg/config"
	"github.com/netdata/rrdserver/pkg/util/log"
	"github.com/netdata/rrdserver/rrddb"
)

// ErrListener marks a fatal failure of the HTTP listener; main maps it to
// exit code 2.
var ErrListener = errors.New("listener failed")

// App owns the registry and the long-running services around it.
type App struct {
	cfg  Config
	conf *config.Config

	Registry *rrddb.Registry

	manager *services.Manager
	httpErr error
}

// New wires the registry, the producers and the HTTP surface.
func New(cfg Config, conf *config.Config) (*App, error) {
	if cfg.SaveEvery < 1 {
		cfg.SaveEvery = 3600
	}

	a := &App{
		cfg:      cfg,
		conf:     conf,
		Registry: rrddb.NewRegistry(cfg.DB, conf),
	}

	collector := procfs.New(cfg.Proc, a.Registry, conf)
	plugins := pluginsd.New(cfg.PluginsD, a.Registry, conf)
	saver := services.NewTimerService(time.Duration(cfg.SaveEvery)*time.Second, nil, a.saveIteration, nil)
	web := a.httpService()

	manager, err := services.NewManager(collector, plugins, saver, web)
	if err != nil {
		return nil, errors.Wrap(err, "create services manager")
	}
	a.manager = manager

	return a, nil
}

func (a *App) saveIteration(context.Context) error {
	a.Registry.SaveAll()
	return nil
}

// httpService serves the API. A failure to listen or serve is fatal for
// the whole process.
func (a *App) httpService() services.Service {
	var (
		listener net.Listener
		server   *http.Server
	)

	starting := func(context.Context) error {
		handler := api.New(a.Registry, a.conf)
		server = &http.Server{Handler: handler.Router()}

		var err error
		listener, err = net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Port))
		if err != nil {
			a.httpErr = errors.Wrapf(ErrListener, "cannot listen on port %d: %v", a.cfg.Port, err)
			return a.httpErr
		}
		level.Info(log.Logger).Log("msg", "listening", "port", a.cfg.Port)
		return nil
	}

	running := func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Serve(listener)
		}()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				a.httpErr = errors.Wrapf(ErrListener, "http server failed: %v", err)
				return a.httpErr
			}
			return nil
		}
	}

	return services.NewBasicService(starting, running, nil)
}

// Run starts everything and blocks until a termination signal or a fatal
// service failure. The database is saved and freed on the way out.
func (a *App) Run() error {
	ctx := context.Background()

	if err := services.StartManagerAndAwaitHealthy(ctx, a.manager); err != nil {
		a.stopAndFree(ctx)
		if a.httpErr != nil {
			return a.httpErr
		}
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	stopped := make(chan struct{})
	var once sync.Once
	abort := func() { once.Do(func() { close(stopped) }) }
	a.manager.AddListener(services.NewManagerListener(nil, abort, func(s services.Service) {
		level.Error(log.Logger).Log("msg", "service failed", "err", s.FailureCase())
		abort()
	}))

	select {
	case sig := <-signals:
		level.Info(log.Logger).Log("msg", "received signal, exiting", "signal", sig.String())
	case <-stopped:
		level.Error(log.Logger).Log("msg", "a service failed, exiting")
	}

	a.stopAndFree(ctx)

	if a.httpErr != nil {
		return a.httpErr
	}
	return nil
}

func (a *App) stopAndFree(ctx context.Context) {
	a.manager.StopAsync()
	_ = a.manager.AwaitStopped(ctx)

	a.Registry.SaveAll()
	a.Registry.FreeAll()
}
