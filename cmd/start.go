package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/foilen/relay/client"
	"github.com/foilen/relay/command"
	"github.com/foilen/relay/internal/env"
	"github.com/foilen/relay/registry"
	"github.com/foilen/relay/transport"
)

var (
	// The host to listen on
	host string

	// The port to listen for http requests on
	httpPort string

	// The port to listen for peers on
	port int

	// Peers to dial on start up
	peers []string

	// Dial back every peer that announces its port
	dialBack bool
)

func init() {
	flags := StartCmd.PersistentFlags()

	flags.IntVarP(&port, "port", "p", 7363, "The port to listen for peer connections on")
	flags.StringVar(&httpPort, "http-port", "7362", "The port to listen to HTTP requests on, empty disables HTTP")
	flags.StringVarP(&host, "host", "a", "0.0.0.0", "The host to listen on")
	flags.StringArrayVar(&peers, "peer", nil, "A peer to connect to as host:port, can be repeated")
	flags.BoolVar(&dialBack, "dial-back", false, "Open a connection back to every peer that announces its port")
}

var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a relay peer",
	Long: `Start a relay peer

Usage
	relay start --port 7363 --peer 10.0.0.2:7363

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		log, err := env.MakeLogger(conf.LogLevel)
		if err != nil {
			return err
		}
		defer log.Sync()

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		commands, err := command.NewRegistry(command.Builtins(log.Named("commands"))...)
		if err != nil {
			return err
		}

		server := transport.NewServer(transport.Options{
			Host:         host,
			Port:         port,
			Reuseport:    true,
			Codec:        conf.WireCodec(),
			Registry:     commands,
			MaxFrameSize: conf.MaxFrameSize,
			ReadTimeout:  conf.ReadTimeout,
			Log:          log.Named("server"),
		})

		if err := server.Start(ctx); err != nil {
			return err
		}

		pool := client.New(client.Options{
			LocalPort:    server.Port(),
			Codec:        conf.WireCodec(),
			Registry:     commands,
			MaxFrameSize: conf.MaxFrameSize,
			ReadTimeout:  conf.ReadTimeout,
			DialTimeout:  conf.DialTimeout,
			Backoff:      conf.Backoff(),
			OnAbandon: func(ep registry.Endpoint, err error) {
				log.Warn("Peer abandoned", zap.String("peer", ep.String()), zap.Error(err))
			},
			Log: log.Named("pool"),
		})

		for _, peer := range peers {
			ep, err := registry.ParseEndpoint(peer)
			if err != nil {
				return err
			}

			if _, err := pool.GetOrCreateConnection(ctx, ep); err != nil {
				log.Error("Failed to connect to peer", zap.String("peer", peer), zap.Error(err))
			}
		}

		if dialBack {
			go dialBackPeers(ctx, server, pool, log.Named("dialBack"))
		}

		var httpServer *http.Server
		if httpPort != "" {
			httpServer = startHTTP(conf.DebugHTTP, server, pool, log.Named("http"))
		}

		log.Info("Listening",
			zap.Any("config", conf),
			zap.String("host", host),
			zap.Int("port", server.Port()),
			zap.String("httpPort", httpPort))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			httpServer.SetKeepAlivesEnabled(false)

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Error("Http server forced to shutdown", zap.Error(err))
			}
		}

		if err := pool.Close(); err != nil {
			log.Error("Pool did not close cleanly", zap.Error(err))
		}

		if err := server.Close(); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

// dialBackPeers opens an outbound connection to every peer that announces
// its listening port to server.
func dialBackPeers(ctx context.Context, server *transport.Server, pool *client.Pool, log *zap.Logger) {
	for event := range server.Events() {
		if event.Kind != registry.Registered && event.Kind != registry.Replaced {
			continue
		}

		if _, err := pool.GetOrCreateConnection(ctx, event.Endpoint); err != nil {
			log.Warn("Failed to dial back peer",
				zap.String("peer", event.Endpoint.String()),
				zap.Error(err))
		}
	}
}

type connectionStatus struct {
	Endpoint string `json:"endpoint"`
	State    string `json:"state"`
}

func startHTTP(debugHTTP bool, server *transport.Server, pool *client.Pool, log *zap.Logger) *http.Server {
	s := &http.Server{
		Addr:    net.JoinHostPort(host, httpPort),
		Handler: adminRouter(debugHTTP, server, pool, log),
	}

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Http server errored", zap.Error(err))
		}
	}()

	return s
}

// adminRouter serves the liveness probe and a snapshot of every connection.
func adminRouter(debugHTTP bool, server *transport.Server, pool *client.Pool, log *zap.Logger) *gin.Engine {
	router := setupRouter(debugHTTP, log)

	// Ping test
	router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	router.GET("/connections", func(c *gin.Context) {
		inbound := make([]connectionStatus, 0)
		for _, conn := range server.Conns() {
			inbound = append(inbound, connectionStatus{
				Endpoint: conn.Endpoint().String(),
				State:    conn.State().String(),
			})
		}

		outbound := make([]connectionStatus, 0)
		for _, ep := range pool.Endpoints() {
			outbound = append(outbound, connectionStatus{
				Endpoint: ep.String(),
				State:    pool.State(ep).String(),
			})
		}

		announced := make([]string, 0)
		for _, ep := range server.Peers() {
			announced = append(announced, ep.String())
		}

		c.JSON(http.StatusOK, gin.H{
			"inbound":  inbound,
			"outbound": outbound,
			"peers":    announced,
		})
	})

	return router
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Logs all requests, like a combined access and error log, in UTC
	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
