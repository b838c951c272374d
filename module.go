package expirysweep

import (
	"github.com/caddyserver/caddy/v2"
	"go.uber.org/zap"
)

func init() {
	caddy.RegisterModule(&App{})
}

// App runs the expiry sweeper inside Caddy. It is configured in the JSON
// config under apps.expirysweep. With the default "storage" lock it
// coordinates replicas through whatever storage Caddy is configured with.
type App struct {
	Config

	service *Service
	logger  *zap.SugaredLogger
}

var (
	_ caddy.App          = (*App)(nil)
	_ caddy.Provisioner  = (*App)(nil)
	_ caddy.Validator    = (*App)(nil)
	_ caddy.CleanerUpper = (*App)(nil)
)

func New() *App {
	return &App{Config: DefaultConfig()}
}

func (a *App) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID: "expirysweep",
		New: func() caddy.Module {
			return New()
		},
	}
}

func (a *App) Provision(ctx caddy.Context) error {
	a.logger = ctx.Logger(a).Sugar()
	a.Config.LoadOverrides()

	service, err := NewService(ctx, a.Config, a.logger, DefaultMetrics(), ctx.Storage())
	if err != nil {
		return err
	}
	a.service = service
	return nil
}

func (a *App) Validate() error {
	return a.Config.Validate()
}

func (a *App) Start() error {
	return a.service.Start()
}

func (a *App) Stop() error {
	return a.service.Stop()
}

func (a *App) Cleanup() error {
	if a.service == nil {
		return nil
	}
	return a.service.Close()
}
