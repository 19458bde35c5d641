package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/savegress/xdsmediator/internal/api"
	"github.com/savegress/xdsmediator/internal/audit"
	"github.com/savegress/xdsmediator/internal/config"
	"github.com/savegress/xdsmediator/internal/datatypes"
	"github.com/savegress/xdsmediator/internal/dsub"
	"github.com/savegress/xdsmediator/internal/hl7v2"
	"github.com/savegress/xdsmediator/internal/logger"
	"github.com/savegress/xdsmediator/internal/orchestrator"
	"github.com/savegress/xdsmediator/internal/resolver"
)

func main() {
	godotenv.Load()

	cfg := loadConfig()

	zlog, err := logger.New(cfg.Server.Environment, cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	zlog.Info("starting XDS mediator", zap.Int("port", cfg.Server.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Audit pipeline
	auditor := audit.NewLogger(&cfg.ATNA, zlog)
	if err := auditor.Start(ctx); err != nil {
		zlog.Fatal("failed to start audit logger", zap.Error(err))
	}
	defer auditor.Stop()

	// DSUB subscription store
	mongoClient := newMongoClient(cfg, zlog)
	defer mongoClient.Disconnect(context.Background())

	subscriptions := dsub.NewMongoSubscriptionRepository(mongoClient, cfg.Mongo.Database)
	notifier := dsub.NewHTTPNotifier(30*time.Second, zlog)
	dsubService := dsub.NewService(subscriptions, notifier, zlog)

	// DSUB notification queue; without a broker events are delivered inline.
	var queue *dsub.Queue
	if cfg.AMQP.URL != "" {
		conn, err := amqp.Dial(cfg.AMQP.URL)
		if err != nil {
			zlog.Warn("AMQP broker unreachable, notifying subscribers inline", zap.Error(err))
		} else {
			defer conn.Close()
			queue, err = dsub.NewQueue(conn, zlog)
			if err != nil {
				zlog.Fatal("failed to declare notification queues", zap.Error(err))
			}
			go func() {
				if err := dsub.RunNotifier(ctx, queue, dsubService); err != nil && ctx.Err() == nil {
					zlog.Error("notification worker stopped", zap.Error(err))
				}
			}()
		}
	}
	publisher := dsub.NewPublisher(queue, dsubService, zlog)

	// Resolver clients
	patients, feed := newPatientResolvers(cfg, auditor, zlog)
	providers := newDirectoryResolver(cfg.Client.ProviderEnterpriseValue, cfg.Client.RequestedProviderAuthority, patients)
	facilities := newDirectoryResolver(cfg.Client.FacilityEnterpriseValue, cfg.Client.RequestedFacilityAuthority, patients)

	orch := orchestrator.New(cfg, zlog, patients, providers, facilities, feed, auditor, publisher)

	server := api.NewServer(cfg, orch, dsubService, auditor, zlog)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 180 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		zlog.Info("XDS mediator listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("shutting down XDS mediator")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zlog.Error("HTTP server shutdown error", zap.Error(err))
	}

	zlog.Info("XDS mediator stopped")
}

func loadConfig() *config.Config {
	if configPath := os.Getenv("XDSMEDIATOR_CONFIG"); configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			log.Printf("Failed to load config from %s: %v, using environment", configPath, err)
		} else {
			return cfg
		}
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	return cfg
}

func newMongoClient(cfg *config.Config, zlog *zap.Logger) *mongo.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		zlog.Fatal("failed to connect to mongo", zap.Error(err))
	}
	if err := client.Ping(ctx, nil); err != nil {
		zlog.Fatal("failed to ping mongo", zap.Error(err))
	}

	zlog.Info("connected to subscription store", zap.String("database", cfg.Mongo.Database))
	return client
}

// newPatientResolvers picks the MPI transport: FHIR when an MPI URL is
// configured, PIX over MLLP otherwise.
func newPatientResolvers(cfg *config.Config, auditor *audit.Logger, zlog *zap.Logger) (resolver.Resolver, resolver.IdentityFeed) {
	if cfg.FHIR.MPIURL != "" {
		client := resolver.NewFHIRClient(&resolver.FHIRClientConfig{
			BaseURL:    cfg.FHIR.MPIURL,
			ClientName: cfg.FHIR.MPIClientName,
			Password:   cfg.FHIR.MPIPassword,
			SystemURI:  cfg.FHIR.MPISystemURI,
		}, zlog)
		return client, client
	}

	mllp := hl7v2.NewClient(&hl7v2.ClientConfig{
		Host:              cfg.PIX.ManagerHost,
		Port:              cfg.PIX.ManagerPort,
		RequestsPerSecond: cfg.PIX.RequestsPerSecond,
	})
	identity := hl7v2.EndpointIdentity{
		SendingApplication:   cfg.PIX.SendingApplication,
		SendingFacility:      cfg.PIX.SendingFacility,
		ReceivingApplication: cfg.PIX.ReceivingApplication,
		ReceivingFacility:    cfg.PIX.ReceivingFacility,
	}

	return resolver.NewPIXResolver(mllp, identity, auditor, zlog),
		resolver.NewPIXIdentityFeed(mllp, identity, auditor, zlog)
}

// newDirectoryResolver serves provider and facility lookups: a configured
// deterministic mapping wins, otherwise the MPI resolver covers the
// category.
func newDirectoryResolver(enterpriseValue string, authority config.AuthorityConfig, fallback resolver.Resolver) resolver.Resolver {
	if enterpriseValue == "" {
		return fallback
	}
	enterprise := datatypes.NewIdentifier(enterpriseValue,
		datatypes.NewAssigningAuthority(authority.NamespaceID, authority.UniversalID, authority.UniversalIDType))
	return resolver.NewInternalResolver(&enterprise)
}
