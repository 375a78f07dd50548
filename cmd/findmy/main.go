package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfmd/findmygo/internal/account"
	"github.com/openfmd/findmygo/internal/cache"
	"github.com/openfmd/findmygo/internal/fcm"
	"github.com/openfmd/findmygo/internal/gauth"
	"github.com/openfmd/findmygo/internal/locate"
	"github.com/openfmd/findmygo/internal/logging"
	"github.com/openfmd/findmygo/internal/nova"
	"github.com/openfmd/findmygo/internal/spot"
	"github.com/openfmd/findmygo/internal/token"
	"github.com/openfmd/findmygo/pkg/netutil"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// startedWait bounds how long commands wait for the push login to complete
// before issuing an action.
const startedWait = 30 * time.Second

// restartDelay paces the listen supervisor between transport instances.
const restartDelay = 2 * time.Second

var rootCmd = &cobra.Command{
	Use:     "findmy",
	Short:   "findmy - Google Find My Device transport client",
	Long:    `findmy locates and rings devices registered with Google Find My Device, receiving results over an FCM push channel.`,
	Version: Version,
}

var soundStop bool

func init() {
	rootCmd.AddCommand(locateCmd)
	rootCmd.AddCommand(soundCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(spotCmd)
	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(versionCmd)
	soundCmd.Flags().BoolVar(&soundStop, "stop", false, "stop a previously started ring")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("findmy %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var locateCmd = &cobra.Command{
	Use:   "locate <device-id>",
	Short: "Request a fresh location report for a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, app *appState) error {
			transport, orch, err := app.startPush(ctx)
			if err != nil {
				return err
			}
			defer transport.Stop()

			report, err := orch.Locate(ctx, app.acct, args[0])
			if err != nil {
				return err
			}
			if report == nil {
				fmt.Println("no location report received")
				return nil
			}
			fmt.Printf("device: %s\nreceived: %s\nupdate: %s\n",
				report.DeviceID,
				report.ReceivedAt.Format(time.RFC3339),
				hex.EncodeToString(report.Update))
			return nil
		})
	},
}

var soundCmd = &cobra.Command{
	Use:   "sound <device-id>",
	Short: "Ring a device, or stop ringing with --stop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, app *appState) error {
			transport, orch, err := app.startPush(ctx)
			if err != nil {
				return err
			}
			defer transport.Stop()

			if soundStop {
				if err := orch.StopSound(ctx, app.acct, args[0]); err != nil {
					return err
				}
				fmt.Println("stop sound requested")
				return nil
			}
			if err := orch.PlaySound(ctx, app.acct, args[0]); err != nil {
				return err
			}
			fmt.Println("play sound requested")
			return nil
		})
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Fetch the raw device list",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, app *appState) error {
			body, err := app.api.Request(ctx, app.acct, locate.ListDevicesPath, nil)
			if err != nil {
				return err
			}
			fmt.Println(hex.EncodeToString(body))
			return nil
		})
	},
}

var spotCmd = &cobra.Command{
	Use:   "spot <method> [hex-payload]",
	Short: "Invoke a raw SpotService method, for debugging",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, app *appState) error {
			var payload []byte
			if len(args) == 2 {
				var err error
				payload, err = hex.DecodeString(args[1])
				if err != nil {
					return fmt.Errorf("payload must be hex: %w", err)
				}
			}
			client := spot.NewClient(app.tokens, netutil.NewHTTP2Client(30*time.Second), app.logger)
			body, err := client.Call(ctx, app.acct, args[0], payload)
			if err != nil {
				return err
			}
			fmt.Println(hex.EncodeToString(body))
			return nil
		})
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Keep the push channel open and print delivered messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, app *appState) error {
			return app.runListener(ctx)
		})
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// appState bundles the wired clients for one CLI invocation.
type appState struct {
	cfg       appConfig
	logger    zerolog.Logger
	store     *cache.SQLite
	acct      account.Context
	tokens    *token.Manager
	api       *nova.Client
	registrar *fcm.Registrar
}

// withApp wires the application, runs fn under a signal-cancelled context,
// and tears everything down.
func withApp(fn func(ctx context.Context, app *appState) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "findmy",
	})

	if err := os.MkdirAll(filepath.Dir(cfg.CachePath), 0o700); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	store, err := cache.OpenSQLite(cfg.CachePath)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	acct := account.New(cfg.Email, store)
	if cfg.OAuthToken != "" {
		if err := store.Set(ctx, acct.Key("oauth_token"), cfg.OAuthToken); err != nil {
			return fmt.Errorf("seed oauth token: %w", err)
		}
	}

	httpClient := netutil.NewHTTPClient(30 * time.Second)
	app := &appState{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		acct:      acct,
		tokens:    token.NewManager(gauth.New(logger, gauth.WithHTTPClient(httpClient)), logger),
		registrar: fcm.NewRegistrar(logger, fcm.WithRegistrarHTTPClient(httpClient)),
	}
	app.api = nova.NewClient(app.tokens, logger, nova.WithHTTPClient(httpClient))

	return fn(ctx, app)
}

// startPush registers (or revalidates) the push credentials, starts a
// transport, and waits for login before returning the orchestrator bound to
// it.
func (a *appState) startPush(ctx context.Context) (*fcm.Transport, *locate.Orchestrator, error) {
	creds, err := a.registrar.Credentials(ctx, a.acct)
	if err != nil {
		return nil, nil, fmt.Errorf("push registration: %w", err)
	}
	tc, err := creds.TransportCredentials()
	if err != nil {
		return nil, nil, err
	}

	transport := fcm.New(fcm.DefaultConfig(), tc, nil, a.logger)
	if err := transport.Start(ctx); err != nil {
		return nil, nil, err
	}
	if err := waitForStarted(ctx, transport); err != nil {
		transport.Stop()
		return nil, nil, err
	}

	orch := locate.New(a.api, transport, creds.GCM.Token, a.logger,
		locate.WithTimeout(a.cfg.LocateTimeout))
	return transport, orch, nil
}

func waitForStarted(ctx context.Context, t *fcm.Transport) error {
	deadline := time.Now().Add(startedWait)
	for time.Now().Before(deadline) {
		if t.State() == fcm.StateStarted {
			return nil
		}
		if t.Done() {
			return fmt.Errorf("push transport stopped before login completed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("push transport did not reach started state within %s", startedWait)
}

// runListener supervises transport instances, carrying undelivered message
// ids across restarts, and serves metrics when configured. The transport
// never reconnects itself; this loop is the restart authority.
func (a *appState) runListener(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, a.cfg.MetricsAddr, a.logger)
		})
	}

	g.Go(func() error {
		creds, err := a.registrar.Credentials(ctx, a.acct)
		if err != nil {
			return fmt.Errorf("push registration: %w", err)
		}
		tc, err := creds.TransportCredentials()
		if err != nil {
			return err
		}

		var persistentIDs []string
		for {
			transport := fcm.New(fcm.DefaultConfig(), tc, persistentIDs, a.logger)
			transport.Register("listen-print", printMessage)
			if err := transport.Start(ctx); err != nil {
				return err
			}
			a.logger.Info().Int("carried_ids", len(persistentIDs)).Msg("push transport started")

			waitUntilDone(ctx, transport)
			transport.Stop()
			persistentIDs = transport.PersistentIDs()

			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn().Dur("delay", restartDelay).Msg("push transport stopped, restarting")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(restartDelay):
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func waitUntilDone(ctx context.Context, t *fcm.Transport) {
	for {
		if t.Done() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func printMessage(msg fcm.PushMessage) {
	fmt.Printf("message from=%s category=%s persistent_id=%s app_data_keys=%d\n",
		msg.From, msg.Category, msg.PersistentID, len(msg.AppData))
}
