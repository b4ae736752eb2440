package main

import (
	"net/http"
	"os"
	"time"

	"github.com/fiffu/campwatch/app"
	"github.com/fiffu/campwatch/config"
	"github.com/fiffu/campwatch/lib"
	"github.com/fiffu/campwatch/lib/availability"
	"github.com/fiffu/campwatch/lib/dispatcher"
	"github.com/fiffu/campwatch/lib/matcher"
	"github.com/fiffu/campwatch/lib/registry"
	"github.com/fiffu/campwatch/lib/scans"
	"github.com/fiffu/campwatch/lib/scheduler"
	"github.com/fiffu/campwatch/senders"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func NewLogger() (*zap.Logger, error) {
	switch os.Getenv("ENVIRONMENT") {
	default:
		return zap.NewDevelopment()

	case "production":
		logCfg := zap.NewProductionConfig()
		logCfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			t = t.UTC()
			zapcore.ISO8601TimeEncoder(t, enc)
		}
		return logCfg.Build()
	}
}

func main() {
	fx.New(
		fx.Provide(config.NewConfig),
		fx.Provide(NewLogger),

		fx.Provide(senders.NewSenderRegistry),
		fx.Provide(senders.NewWebhookVerifier),

		fx.Provide(app.NewDatabase),
		fx.Provide(app.NewTransport),

		fx.Provide(fx.Annotate(availability.NewRecGovClient, fx.As(new(availability.Source)))),
		fx.Provide(availability.NewCache),
		fx.Provide(registry.NewRegistry),
		fx.Provide(scans.NewLifecycle),
		fx.Provide(matcher.NewEngine),
		fx.Provide(dispatcher.NewRecipients),
		fx.Provide(dispatcher.NewDispatcher),
		fx.Provide(scheduler.NewScheduler),

		fx.Provide(lib.NewService),
		fx.Provide(app.NewAPI),

		fx.Invoke(func(*http.Server, *scheduler.Scheduler) {}),
	).Run()
}
