// README: Entry point; loads config, wires services, starts HTTP server and schedulers.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"lifeline/internal/config"
	"lifeline/internal/events"
	httptransport "lifeline/internal/http"
	"lifeline/internal/infra"
	"lifeline/internal/logging"
	"lifeline/internal/maps"
	"lifeline/internal/modules/assignment"
	"lifeline/internal/modules/directory"
	"lifeline/internal/modules/dispatch"
	"lifeline/internal/modules/request"
	"lifeline/internal/modules/unit"
	"lifeline/internal/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Error("db init", "err", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	redisClient := infra.NewRedis(cfg.Redis.Addr)
	defer redisClient.Close()

	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}
	defer publisher.Close()

	var pusher notify.Pusher = notify.Nop{}
	if cfg.Push.Endpoint != "" {
		pusher = notify.NewWebhookPusher(cfg.Push.Endpoint)
	}

	var road maps.RoadDistancer
	if cfg.Maps.APIKey != "" {
		rs, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			log.Error("maps init", "err", err)
			os.Exit(1)
		}
		road = rs
	}

	requestStore := request.NewStore(dbPool)
	unitStore := unit.NewStore(dbPool, redisClient)
	unitSvc := unit.NewService(unitStore, log)
	assignmentStore := assignment.NewStore(dbPool)
	directoryStore := directory.NewStore(dbPool)

	dispatchSvc := dispatch.NewService(
		requestStore, unitSvc, assignmentStore, directoryStore,
		pusher, publisher, road, cfg.Dispatch, log,
	)

	handler := httptransport.NewRouter(dispatchSvc, unitSvc, log)
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}

	go dispatchSvc.RunExpirySweeper(ctx)

	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	log.Info("listening", "addr", cfg.HTTP.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server", "err", err)
		os.Exit(1)
	}
}
