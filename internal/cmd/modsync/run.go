package modsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/modsync"
	"github.com/unkn0wn-root/modsync/codec"
	asynchook "github.com/unkn0wn-root/modsync/hooks/async"
	logruslog "github.com/unkn0wn-root/modsync/log/logrus"
	sloglog "github.com/unkn0wn-root/modsync/log/slog"
	zaplog "github.com/unkn0wn-root/modsync/log/zap"
	"github.com/unkn0wn-root/modsync/metrics/prom"
	"github.com/unkn0wn-root/modsync/moderation"
	pr "github.com/unkn0wn-root/modsync/provider"
	"github.com/unkn0wn-root/modsync/provider/bigcache"
	redisprov "github.com/unkn0wn-root/modsync/provider/redis"
	"github.com/unkn0wn-root/modsync/provider/ristretto"
	"github.com/unkn0wn-root/modsync/provider/sqlite"
	"github.com/unkn0wn-root/modsync/remote/httpremote"
	"github.com/unkn0wn-root/modsync/revmemo"
	"github.com/unkn0wn-root/modsync/sloghooks"
)

type engine = modsync.Engine[moderation.Relationships]

// Run wires the engine from cfg and executes cfg.Command. Results go to out,
// logs and progress to errOut.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}

	logger, err := newLogger(cfg.LogBackend, cfg.Verbose, errOut)
	if err != nil {
		return err
	}

	var rdb *goredis.Client
	if cfg.RedisAddr != "" {
		rdb = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
	}

	store, err := openProvider(ctx, cfg, rdb)
	if err != nil {
		return err
	}

	remote, err := httpremote.New(httpremote.Options{
		BaseURL: cfg.RemoteURL,
		Header:  authHeader(cfg.RemoteToken),
	})
	if err != nil {
		_ = store.Close(ctx)
		return err
	}

	cc, err := newCodec(cfg.Codec)
	if err != nil {
		_ = store.Close(ctx)
		return err
	}

	sink := asynchook.New(sloghooks.New(slog.New(slog.NewTextHandler(errOut, nil)), sloghooks.Options{
		HitEvery:   100,
		MatchEvery: 10,
	}), 1, 1024)
	defer sink.Close()
	hooks := modsync.MultiHooks{sink}

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		hooks = append(hooks, prom.New(reg, "modsync", "", prometheus.Labels{"namespace": cfg.Namespace}))
		stop := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer stop()
	}

	var memo revmemo.Memo
	if rdb != nil {
		memo = revmemo.NewRedis(rdb, cfg.Namespace, 0)
	}

	eng, err := modsync.New[moderation.Relationships](ctx, modsync.Options[moderation.Relationships]{
		Namespace:       cfg.Namespace,
		Provider:        store,
		Codec:           codec.Limit[moderation.Relationships]{Inner: cc, Max: cfg.MaxRecord},
		Remote:          remote,
		Parser:          moderation.Parser{},
		Targets:         remote,
		Logger:          logger,
		Hooks:           hooks,
		TTL:             cfg.TTL,
		RequestTimeout:  cfg.Timeout,
		MaxCacheBytes:   cfg.MaxBytes,
		BulkParallelism: cfg.Parallelism,
		Memo:            memo,
		MaxRetries:      cfg.MaxRetries,
		DrainInterval:   cfg.Interval,
		DrainBatch:      cfg.Batch,
	})
	if err != nil {
		_ = store.Close(ctx)
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := eng.Close(cctx); err != nil {
			logger.Warn("engine close failed", modsync.Fields{"err": err})
		}
	}()

	return dispatch(ctx, eng, cfg, out, errOut)
}

func newLogger(backend string, verbose bool, w io.Writer) (modsync.Logger, error) {
	switch backend {
	case "zap", "":
		lvl := zapcore.InfoLevel
		if verbose {
			lvl = zapcore.DebugLevel
		}
		core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(w), lvl)
		return zaplog.ZapLogger{L: zap.New(core)}, nil
	case "logrus":
		l := logrus.New()
		l.SetOutput(w)
		l.SetFormatter(&logrus.JSONFormatter{})
		if verbose {
			l.SetLevel(logrus.DebugLevel)
		}
		return logruslog.LogrusLogger{E: logrus.NewEntry(l)}, nil
	case "slog":
		lvl := slog.LevelInfo
		if verbose {
			lvl = slog.LevelDebug
		}
		return sloglog.Logger{L: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))}, nil
	default:
		return nil, fmt.Errorf("unknown log backend %q", backend)
	}
}

func newCodec(name string) (codec.Codec[moderation.Relationships], error) {
	switch name {
	case "cbor", "":
		return codec.NewCBOR[moderation.Relationships](true)
	case "msgpack":
		return codec.Msgpack[moderation.Relationships]{}, nil
	case "json":
		return codec.JSON[moderation.Relationships]{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

func openProvider(ctx context.Context, cfg Config, rdb *goredis.Client) (pr.Provider, error) {
	switch cfg.Provider {
	case "sqlite":
		return sqlite.Open(ctx, cfg.SQLitePath)
	case "bigcache":
		return bigcache.New(ctx, bigcache.Config{HardMaxCacheSizeMB: cfg.MemoryMB})
	case "ristretto":
		budget := int64(cfg.MemoryMB) << 20
		return ristretto.New(ristretto.Config{NumCounters: budget / 1024 * 10, MaxCost: budget})
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis provider requires a redis address")
		}
		return redisprov.New(redisprov.Config{Client: rdb, Prefix: "modsync:"})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func authHeader(token string) http.Header {
	if token == "" {
		return nil
	}
	return http.Header{"Authorization": {"Bearer " + token}}
}

// serveMetrics exposes reg on addr until the returned stop func runs.
func serveMetrics(addr string, reg *prometheus.Registry, logger modsync.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", modsync.Fields{"addr": addr, "err": err})
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
