// Command escrowctl is the operator CLI for presale settlement: manual sweeps and
// settlements, deposit checks, custody key generation and schema migrations.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"launchpad/internal/app"
	"launchpad/internal/queue"
	"launchpad/pkg/config"
	"launchpad/pkg/solana"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "escrowctl",
		Short: "Operate presale escrow settlement",
		Long: `Operate presale escrow settlement.

Configuration is read from the same environment variables as the API
(DB_*, SOLANA_RPC, PLATFORM_WALLET_PRIVATE_KEY, ...) and CONFIG_FILE.

Examples:
  escrowctl sweep                      # settle every presale past its deadline
  escrowctl settle success <id>        # distribute tokens and release USDC
  escrowctl settle failure <id> --async
  escrowctl deposit <id>               # check and activate a token deposit
  escrowctl keygen --password secret   # new custody key in the keystore
  escrowctl migrate up
`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Minute, "Overall timeout")

	cmd.AddCommand(
		sweepCmd(&timeout),
		settleCmd(&timeout),
		depositCmd(&timeout),
		depositInfoCmd(&timeout),
		keygenCmd(),
		migrateCmd(),
	)
	return cmd
}

func sweepCmd(timeout *time.Duration) *cobra.Command {
	var async bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Settle every presale whose deadline passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if async {
				return enqueue(*timeout, queue.Command{Action: queue.ActionSweep})
			}
			return withApp(*timeout, func(ctx context.Context, a *app.App) (interface{}, error) {
				return a.Scheduler.CheckAndSettleDuePresales(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "Queue the sweep for the settlement worker")
	return cmd
}

func settleCmd(timeout *time.Duration) *cobra.Command {
	var async bool
	cmd := &cobra.Command{
		Use:       "settle <success|failure> <presale-id>",
		Short:     "Run a settlement path for one presale",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"success", "failure"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path, id := args[0], args[1]
			var action queue.Action
			switch path {
			case "success":
				action = queue.ActionSettleSuccess
			case "failure", "refund":
				action = queue.ActionSettleFailure
			default:
				return fmt.Errorf("unknown settlement path %q (want success or failure)", path)
			}

			if async {
				return enqueue(*timeout, queue.Command{Action: action, PresaleID: id})
			}
			return withApp(*timeout, func(ctx context.Context, a *app.App) (interface{}, error) {
				if action == queue.ActionSettleSuccess {
					return a.Engine.SettleSuccess(ctx, id)
				}
				return a.Engine.SettleFailure(ctx, id)
			})
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "Queue the settlement for the settlement worker")
	return cmd
}

func depositCmd(timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "deposit <presale-id>",
		Short: "Check the team's token deposit and activate the presale when complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*timeout, func(ctx context.Context, a *app.App) (interface{}, error) {
				return a.Engine.CheckDeposit(ctx, args[0])
			})
		},
	}
}

func depositInfoCmd(timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "deposit-info <presale-id>",
		Short: "Show where and how many tokens the team must deposit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*timeout, func(ctx context.Context, a *app.App) (interface{}, error) {
				return a.Engine.DepositInstructions(ctx, args[0])
			})
		},
	}
}

func keygenCmd() *cobra.Command {
	var dir, password string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a custody key and store it encrypted in the keystore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("KEYSTORE_PASSWORD")
			}
			if password == "" {
				return fmt.Errorf("--password or KEYSTORE_PASSWORD required")
			}
			km := solana.NewKeyManager(dir)
			account, err := km.GenerateKeyPair()
			if err != nil {
				return err
			}
			path, err := km.SaveKeyStoreEntry(account, password)
			if err != nil {
				return err
			}
			return printJSON(map[string]string{
				"address":  account.PublicKey.ToBase58(),
				"keystore": path,
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", solana.DefaultKeystoreDir, "Keystore directory")
	cmd.Flags().StringVar(&password, "password", "", "Keystore password (defaults to KEYSTORE_PASSWORD)")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate <up|down>",
		Short: "Apply or roll back SQL migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load()
			if err != nil {
				return err
			}
			switch args[0] {
			case "up":
				return config.ExecuteMigrations(settings.MigrationsDir)
			case "down":
				return config.RollbackMigration(settings.MigrationsDir)
			}
			return fmt.Errorf("unknown migration direction %q", args[0])
		},
	}
	return cmd
}

// withApp builds the settlement stack, runs fn and prints its result as JSON.
func withApp(timeout time.Duration, fn func(context.Context, *app.App) (interface{}, error)) error {
	settings, err := config.Load()
	if err != nil {
		return err
	}
	settings.ConfigureLogging()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.InitDB(settings); err != nil {
		return err
	}
	a, err := app.Build(ctx, settings, config.DB)
	if err != nil {
		return err
	}
	if _, err := a.ConnectQueue(); err != nil {
		log.Warnf("Events will not be published: %v", err)
	}
	defer a.Close()

	result, err := fn(ctx, a)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func enqueue(timeout time.Duration, cmd queue.Command) error {
	settings, err := config.Load()
	if err != nil {
		return err
	}
	if !settings.RabbitMQEnabled() {
		return fmt.Errorf("--async requires RabbitMQ (RABBITMQ_URL or RABBITMQ_HOST)")
	}
	if err := config.InitRabbitMQ(settings.RabbitMQURL); err != nil {
		return err
	}
	defer config.CloseRabbitMQ()
	pub, err := config.NewPublisher()
	if err != nil {
		return err
	}
	defer pub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	cmd.RequestedBy = "escrowctl"
	if err := queue.Enqueue(ctx, pub, cmd); err != nil {
		return err
	}
	return printJSON(map[string]interface{}{"queued": true, "action": cmd.Action, "presale_id": cmd.PresaleID})
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
