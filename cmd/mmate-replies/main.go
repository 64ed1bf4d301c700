package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mmate "github.com/glimte/mmate-async"
	"github.com/glimte/mmate-async/config"
	"github.com/glimte/mmate-async/contracts"
	"github.com/glimte/mmate-async/health"
	"github.com/glimte/mmate-async/messaging"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const (
	echoRequestType = "EchoRequest"
	echoReplyType   = "EchoReply"
)

type echoRequest struct {
	contracts.BaseMessage
	Text string `json:"text"`
}

type echoReply struct {
	contracts.BaseReply
	Text      string `json:"text"`
	Responder string `json:"responder"`
}

type globalFlags struct {
	configPath string
	url        string
	service    string
	verbose    bool
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "mmate-replies",
		Short: "Send requests and answer them over RabbitMQ",
		Long: `mmate-replies exercises asynchronous request/reply over RabbitMQ.
"serve" answers echo requests; "request" sends one and prints the correlated reply.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML config file (MMATE_* variables override it)")
	rootCmd.PersistentFlags().StringVarP(&flags.url, "url", "u", "", "RabbitMQ connection URL")
	rootCmd.PersistentFlags().StringVarP(&flags.service, "service", "s", "", "Service name")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd(flags), newRequestCmd(flags))

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var healthAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer echo requests until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := mmate.NewClientFromConfig(ctx, cfg, mmate.WithLogger(logger))
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Handle(echoRequestType, echoHandler(client.ServiceName())); err != nil {
				return err
			}
			if err := client.Start(ctx); err != nil {
				return err
			}

			if flags.configPath != "" {
				go func() {
					if err := client.WatchConfig(ctx, flags.configPath); err != nil {
						logger.Error("config watcher stopped", "error", err)
					}
				}()
			}

			if healthAddr != "" {
				server := newHealthServer(healthAddr, client.HealthRegistry())
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("health server failed", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = server.Shutdown(shutdownCtx)
				}()
			}

			fmt.Printf("Serving %s on %s (Ctrl+C to stop)\n", echoRequestType, client.RequestQueue())
			<-ctx.Done()
			fmt.Println("\nShutting down")
			return nil
		},
	}

	cmd.Flags().StringVar(&healthAddr, "health-addr", "", "Serve /healthz and /livez on this address (e.g. :8081)")
	return cmd
}

func newRequestCmd(flags *globalFlags) *cobra.Command {
	var (
		to      string
		text    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Send one echo request and print the reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if to == "" {
				to = cfg.RequestQueue
			}

			// a throwaway identity so this process never consumes the server's queues
			cliName := fmt.Sprintf("%s-cli-%s", cfg.ServiceName, uuid.NewString()[:8])
			client, err := mmate.NewClientFromConfig(cmd.Context(), cfg,
				mmate.WithLogger(logger),
				mmate.WithServiceName(cliName),
				mmate.WithRequestQueue(""),
				mmate.WithReplyQueue(""),
				mmate.WithQueueOptions(messaging.QueueOptions{AutoDelete: true}),
			)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Start(cmd.Context()); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			start := time.Now()
			reply, err := mmate.RequestAndDecode[echoReply](ctx, client, to, &echoRequest{
				BaseMessage: contracts.NewBaseMessage(echoRequestType),
				Text:        text,
			})
			if err != nil {
				return fmt.Errorf("request to %s failed: %w", to, err)
			}

			fmt.Printf("%s (from %s in %s)\n", reply.Text, reply.Responder, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "Request queue (defaults to the configured request queue)")
	cmd.Flags().StringVarP(&text, "text", "t", "ping", "Text to echo")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for the reply")
	return cmd
}

func echoHandler(responder string) messaging.RequestHandlerFunc {
	return func(ctx context.Context, request *contracts.Envelope) (contracts.Message, error) {
		var req echoRequest
		if err := request.Decode(&req); err != nil {
			return nil, err
		}
		return &echoReply{
			BaseReply: contracts.NewBaseReply(echoReplyType),
			Text:      req.Text,
			Responder: responder,
		}, nil
	}
}

// loadConfig reads the file (if any) and environment, then applies flags
func loadConfig(flags *globalFlags) (*config.Config, *slog.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.configPath != "" {
		cfg, err = config.Load(flags.configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return nil, nil, err
	}

	if flags.url != "" {
		cfg.AMQPURL = flags.url
	}
	if flags.service != "" {
		cfg.ServiceName = flags.service
		cfg.RequestQueue = flags.service + ".requests"
		cfg.ReplyQueue = flags.service + ".replies"
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, nil, err
	}
	if flags.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	return cfg, logger, nil
}

func newHealthServer(addr string, registry *health.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second))
	mux.Handle("/livez", health.LivenessHandler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
