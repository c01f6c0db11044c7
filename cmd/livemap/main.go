package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image/color"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/livemap/internal/auth"
	"github.com/example/livemap/internal/catalog"
	"github.com/example/livemap/internal/config"
	"github.com/example/livemap/internal/friendloc"
	"github.com/example/livemap/internal/http/middleware"
	"github.com/example/livemap/internal/livemap/controller"
	"github.com/example/livemap/internal/livemap/domain"
	"github.com/example/livemap/internal/livemap/handler"
	"github.com/example/livemap/internal/location"
	"github.com/example/livemap/internal/markers"
	"github.com/example/livemap/internal/outbox"
	"github.com/example/livemap/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("livemap", os.Getenv("LOG_LEVEL"))
	defer logger.Sync() //nolint:errcheck

	var traceOut io.Writer
	if os.Getenv("TRACE_STDOUT") != "" {
		traceOut = os.Stdout
	}
	shutdown, err := observability.SetupTracer(ctx, "livemap", traceOut)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	rt := config.LoadRuntime()
	if err := rt.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	mapCfg := config.Default()
	checks := map[string]observability.Check{}

	var db *sql.DB
	if rt.PostgresDSN != "" {
		db, err = sql.Open("pgx", rt.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		if err := catalog.EnsureSchema(ctx, db); err != nil {
			logger.Fatal("postgres schema", zap.Error(err))
		}
		checks["postgres"] = db.PingContext
	}

	var redisClient *redis.Client
	if rt.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: rt.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var natsConn *nats.Conn
	if rt.NATSURL != "" {
		if conn, err := nats.Connect(rt.NATSURL, nats.Name("livemap")); err == nil {
			natsConn = conn
			defer conn.Drain() //nolint:errcheck
			checks["nats"] = func(context.Context) error {
				if !conn.IsConnected() {
					return errors.New(conn.Status().String())
				}
				return nil
			}
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	events, friends := buildCatalog(db)
	channel := friendloc.New(buildStore(redisClient), buildNotifier(redisClient, natsConn), friendloc.Options{
		RetryBackoff: rt.RetryBackoff,
		MaxBackoff:   rt.MaxRetryBackoff,
	}, logger.Named("friendloc"))
	if err := channel.StartListening(); err != nil {
		logger.Fatal("friend channel", zap.Error(err))
	}
	defer channel.StopListening()

	platform := location.NewSimulatedPlatform(rt.DeviceLat, rt.DeviceLon)
	acquirer := location.NewAcquirer(platform, location.Options{
		Timeout:        mapCfg.LocationTimeout,
		UpdateInterval: mapCfg.LocationUpdateInterval,
	}, logger.Named("location"))

	icons, err := buildIcons(mapCfg.Cluster)
	if err != nil {
		logger.Fatal("marker icons", zap.Error(err))
	}

	mapHTTP := handler.NewHTTP(handler.Deps{
		Location: acquirer,
		Channel:  channel,
		Friends:  friends,
		Events:   events,
		Icons:    icons,

		EventWriter:  events,
		FriendWriter: friends,
	}, handler.Options{
		Controller: controller.Options{
			Map:           mapCfg,
			RosterRefresh: rt.RosterRefresh,
		},
		MaxSessionsPerUser: rt.SessionsPerUser,
		SessionIdleTTL:     rt.SessionIdleTTL,
		CatalogRelayed:     db != nil && natsConn != nil,
	}, logger.Named("map"))
	defer mapHTTP.Shutdown()

	if natsConn != nil {
		sub, err := natsConn.Subscribe(outbox.EventsTopic, func(msg *nats.Msg) {
			n := mapHTTP.Broadcast(controller.RefreshEvents{})
			logger.Debug("catalog changed", zap.ByteString("uid", msg.Data), zap.Int("sessions", n))
		})
		if err != nil {
			logger.Warn("catalog subscription failed", zap.Error(err))
		} else {
			defer sub.Unsubscribe() //nolint:errcheck
		}
	}
	if db != nil && natsConn != nil {
		relay := outbox.NewRelay(db, natsConn, logger.Named("outbox"), outbox.RelayConfig{Retention: rt.OutboxRetention})
		go func() {
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox relay stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Info("outbox relay disabled", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	read := middleware.RateConfig{Rate: rt.RateReadRPS, Burst: rt.RateReadBurst}
	write := middleware.RateConfig{Rate: rt.RateWriteRPS, Burst: rt.RateWriteBurst}
	var limiter *middleware.RateLimiter
	if redisClient != nil {
		limiter = middleware.NewRateLimiter(redisClient, read, write)
	}

	r := chi.NewRouter()
	r.Mount("/", mapHTTP.Router(handler.Middlewares{
		Auth:    auth.Middleware(rt.JWTSecret),
		Limit:   limiter.Middleware,
		Publish: limiter.Scoped("publish", write),
	}))
	r.Mount("/observability", observability.MetricsRouter(checks))

	srv := &http.Server{
		Addr:              rt.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer(grpc.ForceServerCodec(location.JSONCodec{}))
	location.RegisterPositionIngestServer(grpcServer, location.NewServer(channel, logger.Named("ingest")))
	lis, err := net.Listen("tcp", rt.GRPCAddr)
	if err != nil {
		logger.Fatal("grpc listen", zap.Error(err))
	}

	go func() {
		logger.Info("position ingest listening", zap.String("addr", rt.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("livemap listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
}

type eventStore interface {
	domain.EventCatalog
	handler.EventWriter
}

type friendStore interface {
	domain.SocialGraph
	handler.FriendWriter
}

func buildCatalog(db *sql.DB) (eventStore, friendStore) {
	if db == nil {
		return catalog.NewMemoryEvents(), catalog.NewMemoryFriends()
	}
	return catalog.NewPostgresEvents(db), catalog.NewPostgresFriends(db)
}

func buildStore(client *redis.Client) friendloc.Store {
	if client == nil {
		return friendloc.NewMemoryStore(nil)
	}
	return friendloc.NewRedisStore(client, "")
}

func buildNotifier(client *redis.Client, conn *nats.Conn) friendloc.Notifier {
	switch {
	case conn != nil:
		return friendloc.NewNATSNotifier(conn, "")
	case client != nil:
		return friendloc.NewRedisNotifier(client, "")
	default:
		return friendloc.NewMemoryNotifier()
	}
}

func buildIcons(cfg config.Cluster) (markers.IconLoader, error) {
	events, err := parseHexColor(cfg.ClusterColor)
	if err != nil {
		return nil, err
	}
	friends, err := parseHexColor(cfg.FriendClusterColor)
	if err != nil {
		return nil, err
	}
	circles := markers.CircleIcons{Colors: map[string]color.Color{
		cfg.IconID:       events,
		cfg.FriendIconID: friends,
	}}
	dir := os.Getenv("ICON_DIR")
	if dir == "" {
		return circles, nil
	}
	return markers.FallbackIcons{
		markers.FSIconLoader{FS: os.DirFS(dir), Paths: map[string]string{
			cfg.IconID:       "event.png",
			cfg.FriendIconID: "friend.png",
		}},
		circles,
	}, nil
}

func parseHexColor(s string) (color.NRGBA, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "#"), 16, 32)
	if err != nil || len(strings.TrimPrefix(s, "#")) != 6 {
		return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
