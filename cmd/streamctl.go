package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"streamreactor"
)

var (
	configFilePath string
	config         *streamreactor.Config
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "streamctl",
		Short:        "Run stream connection containers from a configuration file",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := streamreactor.LoadConfig(configFilePath)
			if err != nil {
				return err
			}
			config = cfg
			initLog(config)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configFilePath, "config", "c", "./cmd/config.toml", "path to configuration file.")
	root.AddCommand(newServeCommand(), newSendCommand())
	return root
}

func initLog(config *streamreactor.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(config.LogLevel())
}

func newContainer() (*streamreactor.StreamConnectionContainer, error) {
	containerConfig, err := config.Container.ToContainerConfig()
	if err != nil {
		return nil, err
	}
	container := streamreactor.NewStreamConnectionContainer(containerConfig)
	err = container.Init(config.Container.CycleTime(), config.Container.CheckReconnectInterval(), nil)
	if err != nil {
		return nil, err
	}
	return container, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Bind and connect all configured endpoints and echo every message",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			streamreactor.RaiseOpenFilesLimit(config.Global.MaxOpenFiles)
			container, err := newContainer()
			if err != nil {
				return err
			}
			if config.Global.MetricsAddr != "" {
				serveMetrics(ctx, config.Global.MetricsAddr, container.Stats())
			}
			for _, bind := range config.Binds {
				props, err := bind.Properties()
				if err != nil {
					return err
				}
				callback, err := streamreactor.DefaultProtocols.Callback(bind.Endpoint, echoHandler{}, nil)
				if err != nil {
					return err
				}
				if err = container.Bind(bind.Endpoint, callback, props); err != nil {
					return err
				}
			}
			for _, connect := range config.Connects {
				props, err := connect.Properties()
				if err != nil {
					return err
				}
				callback, err := streamreactor.DefaultProtocols.Callback(connect.Endpoint, echoHandler{}, props.ProtocolData)
				if err != nil {
					return err
				}
				if _, err = container.Connect(connect.Endpoint, callback, props); err != nil {
					return err
				}
			}
			container.Start()
			<-ctx.Done()
			log.Info().Msg("shutting down...")
			return container.Close()
		},
	}
}

func newSendCommand() *cobra.Command {
	var endpoint, message string
	var count int
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send messages to an echo server and wait for the replies",
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := newContainer()
			if err != nil {
				return err
			}
			defer func() {
				if err := container.Close(); err != nil {
					log.Error().Msgf("close container: %+v", err)
				}
			}()
			handler := newReplyCounter(len(message) * count)
			callback, err := streamreactor.DefaultProtocols.Callback(endpoint, handler, nil)
			if err != nil {
				return err
			}
			props := streamreactor.DefaultConnectProperties()
			props.ReconnectInterval = time.Second
			props.TotalReconnectDuration = timeout
			conn, err := container.Connect(endpoint, callback, props)
			if err != nil {
				return err
			}
			for i := 0; i < count; i++ {
				conn.SendMessage(streamreactor.NewMessage([]byte(message)))
			}
			container.Start()
			select {
			case <-handler.done:
				fmt.Printf("received %d bytes back from %s\n", handler.total(), endpoint)
				return nil
			case <-time.After(timeout):
				return fmt.Errorf("timeout after %s, received %d bytes", timeout, handler.total())
			}
		},
	}
	cmd.Flags().StringVarP(&endpoint, "endpoint", "e", "tcp://localhost:7000", "endpoint to connect to")
	cmd.Flags().StringVarP(&message, "message", "m", "Hello", "message payload")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of messages")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "time to wait for the replies")
	return cmd
}

func serveMetrics(ctx context.Context, addr string, stats *streamreactor.Stats) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(stats)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Msgf("metrics server failed: %+v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	log.Info().Msgf("serving metrics on %s", addr)
}

type echoHandler struct{}

func (echoHandler) Connected(pc *streamreactor.ProtocolConnection) {
	data := pc.Connection().ConnectionData()
	log.Info().Msgf("connection %d established %s <-> %s", pc.ID(), data.LocalEndpoint, data.RemoteEndpoint)
}

func (echoHandler) Disconnected(pc *streamreactor.ProtocolConnection) {
	log.Info().Msgf("connection %d closed", pc.ID())
}

func (echoHandler) Received(pc *streamreactor.ProtocolConnection, payload []byte) {
	if log.Debug().Enabled() {
		log.Debug().Msgf("connection %d received %d bytes", pc.ID(), len(payload))
	}
	pc.Send(payload)
}

type replyCounter struct {
	lock     sync.Mutex
	expected int
	received int
	done     chan struct{}
}

func newReplyCounter(expected int) *replyCounter {
	return &replyCounter{expected: expected, done: make(chan struct{})}
}

func (r *replyCounter) Connected(pc *streamreactor.ProtocolConnection) {
	log.Info().Msgf("connected to %s", pc.Connection().ConnectionData().RemoteEndpoint)
}

func (r *replyCounter) Disconnected(pc *streamreactor.ProtocolConnection) {
	log.Info().Msgf("connection %d closed", pc.ID())
}

func (r *replyCounter) Received(pc *streamreactor.ProtocolConnection, payload []byte) {
	r.lock.Lock()
	defer r.lock.Unlock()
	before := r.received
	r.received += len(payload)
	if before < r.expected && r.received >= r.expected {
		close(r.done)
	}
}

func (r *replyCounter) total() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.received
}
