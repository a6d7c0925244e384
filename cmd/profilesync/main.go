package main

import (
	"context"
	"flag"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/totegamma/profilesync/client"
	"github.com/totegamma/profilesync/internal/config"
	"github.com/totegamma/profilesync/internal/infra/batch"
	"github.com/totegamma/profilesync/internal/infra/blobstore"
	"github.com/totegamma/profilesync/internal/infra/database"
	"github.com/totegamma/profilesync/internal/infra/ledger"
	"github.com/totegamma/profilesync/internal/infra/lock"
	"github.com/totegamma/profilesync/internal/infra/media"
	"github.com/totegamma/profilesync/internal/infra/repository"
	"github.com/totegamma/profilesync/internal/infra/signing"
	"github.com/totegamma/profilesync/internal/present/rest"
	restmiddleware "github.com/totegamma/profilesync/internal/present/rest/middleware"
	"github.com/totegamma/profilesync/internal/service"
	"github.com/totegamma/profilesync/internal/usecase"
)

const serviceName = "profilesync"

func main() {
	configPath := flag.String("config", "/etc/profilesync/config.yaml", "path to config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	conf, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx := context.Background()

	if conf.Server.EnableTrace {
		cleanup, err := setupTraceProvider(ctx, conf.Server.TraceEndpoint)
		if err != nil {
			logger.Fatal("failed to setup tracer", zap.Error(err))
		}
		defer cleanup()
	}

	db, err := database.NewPostgres(conf.Server.PostgresDsn)
	if err != nil {
		logger.Fatal("failed to connect database", zap.Error(err))
	}

	err = database.MigratePostgres(db)
	if err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	rdb, err := database.NewRedis(ctx, conf.Server.RedisAddr, "", conf.Server.RedisDB)
	if err != nil {
		logger.Fatal("failed to connect redis", zap.Error(err))
	}
	defer rdb.Close()

	store, err := openBlobStore(ctx, conf, logger)
	if err != nil {
		logger.Fatal("failed to open blob store", zap.Error(err))
	}

	registry, err := ledger.Dial(ctx, conf.Ledger.RPCURL, common.HexToAddress(conf.Ledger.RegistryAddress), ledger.Options{
		PollInterval: conf.Ledger.PollInterval,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("failed to connect ledger", zap.Error(err))
	}
	if conf.Ledger.ChainID != 0 && registry.ChainID().Int64() != conf.Ledger.ChainID {
		logger.Fatal("ledger chain id mismatch",
			zap.Int64("configured", conf.Ledger.ChainID),
			zap.String("node", registry.ChainID().String()),
		)
	}

	signal := service.NewSignalService(rdb, logger)

	var signer usecase.Signer
	var broker *signing.Broker
	switch conf.Ledger.Signer {
	case config.SignerKey:
		keySigner, err := signing.NewKeySigner(strings.TrimPrefix(conf.Ledger.SignerKey, "0x"))
		if err != nil {
			logger.Fatal("invalid signer key", zap.Error(err))
		}
		logger.Info("signing transitions with configured key", zap.String("address", keySigner.Address().Hex()))
		signer = keySigner
	default:
		broker = signing.NewBroker(signal)
		signer = broker
	}

	identityRepo := repository.NewIdentityRepository(db)
	packer := batch.NewPacker(store, conf.Sync.ImageWorkers, logger)

	syncUsecase := usecase.NewSyncUsecase(usecase.SyncDeps{
		Repo:     identityRepo,
		Blobs:    store,
		Packer:   packer,
		Registry: registry,
		Signer:   signer,
		Media:    media.NewDirFetcher(conf.Server.UploadsPath),
		Reporter: signal,
		Locker:   lock.NewRedis(rdb, 30*time.Second, logger),
	}, usecase.SyncConfig{
		OrphanTTL: conf.Sync.OrphanTTL,
	}, logger)

	publicURL := strings.TrimSuffix(conf.Server.PublicURL, "/")
	resolver := usecase.NewImageResolver(usecase.ResolverConfig{
		BlobBase:    publicURL + "/blobs",
		PatchBase:   publicURL + "/blobs",
		LocalBase:   publicURL + "/uploads",
		Placeholder: conf.Sync.PlaceholderURL,
	}, logger)

	handler := rest.NewHandler(
		usecase.NewIdentityUsecase(identityRepo),
		syncUsecase,
		resolver,
		store,
		packer,
		broker,
		signal,
		logger,
	)
	authMiddleware := restmiddleware.NewAuthMiddleware(service.NewAuthService(conf.NodeInfo.FQDN))

	e := echo.New()
	e.HideBanner = true
	if conf.Server.EnableTrace {
		e.Use(otelecho.Middleware(serviceName))
	}
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Static("/uploads", conf.Server.UploadsPath)

	handler.RegisterRoutes(e, authMiddleware)

	e.Logger.Fatal(e.Start(":8000"))
}

func openBlobStore(ctx context.Context, conf config.Config, logger *zap.Logger) (blobstore.Store, error) {
	var store blobstore.Store
	switch conf.BlobStore.Backend {
	case config.BackendBolt:
		bolt, err := blobstore.OpenBolt(conf.BlobStore.BoltPath)
		if err != nil {
			return nil, err
		}
		store = bolt
	case config.BackendS3:
		s3, err := blobstore.NewS3StoreFromEnv(ctx, conf.BlobStore.S3Region, conf.BlobStore.S3Bucket, conf.BlobStore.S3Prefix)
		if err != nil {
			return nil, err
		}
		store = s3
	default:
		store = client.New(conf.BlobStore.PublisherURL, conf.BlobStore.AggregatorURL, client.Options{
			MaxRetries: uint64(conf.BlobStore.MaxRetries),
			Logger:     logger,
		})
	}

	if conf.Server.MemcachedAddr != "" {
		store = blobstore.NewCachedStore(store, database.NewMemcached(conf.Server.MemcachedAddr), logger)
	}
	return store, nil
}

func setupTraceProvider(ctx context.Context, endpoint string) (func(), error) {
	exporter, err := otlptracehttp.New(
		ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
		)),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(ctx); err != nil {
			zap.L().Warn("failed to shutdown tracer provider", zap.Error(err))
		}
	}, nil
}
