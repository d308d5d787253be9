package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	colorable "github.com/mattn/go-colorable"
	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/ergo-services/rabble/gen"
	"github.com/ergo-services/rabble/net/cluster"
	"github.com/ergo-services/rabble/net/codec"
	"github.com/ergo-services/rabble/node"
)

// options defines flags for the `start` command
type options struct {
	config     *Config
	configPath string
}

func newOptions() *options {
	return &options{config: defaultConfig()}
}

func (o *options) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.configPath, "config", "", "path of the TOML configuration file")
	cmd.Flags().StringVar(&o.config.Name, "name", o.config.Name, "node name")
	cmd.Flags().StringVar(&o.config.Addr, "addr", o.config.Addr, "node listening address host:port")
	cmd.Flags().StringSliceVar(&o.config.Join, "join", nil, "nodes to join (name@host:port)")
	cmd.Flags().StringVar(&o.config.MetricsAddr, "metrics-addr", o.config.MetricsAddr, "address of the /metrics endpoint, empty disables it")
	cmd.Flags().StringVar(&o.config.LogLevel, "log-level", o.config.LogLevel, "log level (debug|info|warn|error)")
	cmd.Flags().StringVar(&o.config.LogFormat, "log-format", o.config.LogFormat, "log format (console|json)")
	cmd.Flags().StringVar(&o.config.Codec, "codec", o.config.Codec, "node-to-node codec (msgpack|protobuf)")
	cmd.Flags().IntVar(&o.config.Schedulers, "schedulers", o.config.Schedulers, "number of schedulers, 0 means the number of CPUs")
}

// complete builds the config from the file and overlays the flags set on
// the command line.
func (o *options) complete(cmd *cobra.Command) error {
	cfg := defaultConfig()
	if o.configPath != "" {
		if err := cfg.decodeFile(o.configPath); err != nil {
			return err
		}
	}

	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "name":
			cfg.Name = o.config.Name
		case "addr":
			cfg.Addr = o.config.Addr
		case "join":
			cfg.Join = o.config.Join
		case "metrics-addr":
			cfg.MetricsAddr = o.config.MetricsAddr
		case "log-level":
			cfg.LogLevel = o.config.LogLevel
		case "log-format":
			cfg.LogFormat = o.config.LogFormat
		case "codec":
			cfg.Codec = o.config.Codec
		case "schedulers":
			cfg.Schedulers = o.config.Schedulers
		}
	})

	if err := cfg.adjust(); err != nil {
		return err
	}
	o.config = cfg
	return nil
}

func (o *options) run(cmd *cobra.Command) error {
	log, err := newLogger(o.config.LogLevel, o.config.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)
	log.Info("starting node", zap.Stringer("config", o.config))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	node.InitMetrics(registry)
	cluster.InitMetrics(registry)

	c, err := codec.ByName[string](o.config.Codec)
	if err != nil {
		return errors.Trace(err)
	}
	n, err := node.Rouse[string](o.config.nodeID(), node.Options[string]{
		Logger:         log,
		Schedulers:     o.config.Schedulers,
		Codec:          c,
		Quantum:        o.config.Quantum,
		RequestTimeout: o.config.RequestTimeout.Duration,
		Tick:           o.config.Tick.Duration,
	})
	if err != nil {
		return errors.Trace(err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := n.Wait()
		// stop the metrics server
		stop()
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		n.Shutdown()
		return nil
	})
	if o.config.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              o.config.MetricsAddr,
			Handler:           metricsHandler(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("serving metrics", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Annotate(err, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	echo := gen.PID{Name: "echo", Node: n.ID()}
	if err := n.Spawn(echo, gen.ProcessFunc[string](handleEcho)); err != nil {
		n.Shutdown()
		g.Wait()
		return errors.Trace(err)
	}
	for _, join := range o.config.Join {
		peer, _ := gen.ParseNodeID(join)
		if err := n.Join(peer); err != nil {
			log.Warn("join failed", zap.Stringer("peer", peer), zap.Error(err))
		}
	}

	if err := g.Wait(); err != nil {
		log.Error("node stopped with error", zap.Error(err))
		return err
	}
	return nil
}

func newCmdStart() *cobra.Command {
	o := newOptions()
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.complete(cmd); err != nil {
				return err
			}
			return o.run(cmd)
		},
	}
	o.addFlags(cmd)
	return cmd
}

// newLogger builds a production logger. The console format is colored when
// the output is a terminal.
func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if format == "json" {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		return cfg.Build()
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(colorable.NewColorableStdout()),
		lvl,
	)
	return zap.New(core, zap.AddCaller()), nil
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	return mux
}
