package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	creditv1 "github.com/MarkoPoloResearchLab/creditgate/api/credit/v1"
	"github.com/MarkoPoloResearchLab/creditgate/internal/ctl"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/observer"
)

const (
	envPrefix = "CREDITCTL"

	flagAddr           = "addr"
	flagOwner          = "owner"
	flagTimeout        = "timeout"
	flagDescription    = "description"
	flagMetadata       = "metadata"
	flagBefore         = "before"
	flagBeforeSequence = "before-sequence"
	flagLimit          = "limit"

	defaultAddr    = "localhost:7000"
	defaultTimeout = 5 * time.Second
)

type cliContext struct {
	settings *viper.Viper
	conn     *grpc.ClientConn
	remote   *ctl.Remote
	owner    ledger.OwnerID
}

func main() {
	_ = godotenv.Load()
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cli := &cliContext{settings: viper.New()}
	root := &cobra.Command{
		Use:           "creditctl",
		Short:         "Inspect and operate the credit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cli.connect(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if cli.conn != nil {
				return cli.conn.Close()
			}
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.String(flagAddr, defaultAddr, "creditd gRPC address")
	flags.String(flagOwner, "", "owner to operate on")
	flags.Duration(flagTimeout, defaultTimeout, "per-call timeout")

	root.AddCommand(
		newBalanceCommand(cli),
		newPurchaseCommand(cli),
		newGrantCommand(cli),
		newHistoryCommand(cli),
		newWatchCommand(cli),
	)
	return root
}

func (cli *cliContext) connect(cmd *cobra.Command) error {
	cli.settings.SetEnvPrefix(envPrefix)
	cli.settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	cli.settings.AutomaticEnv()
	if err := cli.settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	owner, err := ledger.NewOwnerID(cli.settings.GetString(flagOwner))
	if err != nil {
		return fmt.Errorf("--%s: %w", flagOwner, err)
	}
	cli.owner = owner
	conn, err := ctl.Dial(cli.settings.GetString(flagAddr))
	if err != nil {
		return err
	}
	cli.conn = conn
	cli.remote = ctl.NewRemote(creditv1.NewCreditServiceClient(conn))
	return nil
}

func (cli *cliContext) callContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, cli.settings.GetDuration(flagTimeout))
}

func newBalanceCommand(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Print the owner's balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cli.callContext(cmd.Context())
			defer cancel()
			balance, err := cli.remote.GetBalance(ctx, cli.owner)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d\n", cli.owner, balance)
			return nil
		},
	}
}

func newPurchaseCommand(cli *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purchase ITEM_TYPE ITEM_ID COST",
		Short: "Unlock an item, at most once per owner",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := ledger.ParseItemKey(cli.owner.String(), args[1], args[0])
			if err != nil {
				return err
			}
			cost, err := parseCredits(args[2], false)
			if err != nil {
				return err
			}
			rawMetadata, _ := cmd.Flags().GetString(flagMetadata)
			metadata, err := ledger.NewMetadataJSON(rawMetadata)
			if err != nil {
				return err
			}
			description, _ := cmd.Flags().GetString(flagDescription)
			ctx, cancel := cli.callContext(cmd.Context())
			defer cancel()
			result, err := cli.remote.PurchaseItem(ctx, key, cost, description, metadata)
			if err != nil {
				return err
			}
			state := "unlocked"
			if result.AlreadyOwned {
				state = "already owned"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s, balance %d\n", key, state, result.NewBalance)
			return nil
		},
	}
	cmd.Flags().String(flagDescription, "", "purchase description")
	cmd.Flags().String(flagMetadata, "", "purchase metadata as JSON")
	return cmd
}

func newGrantCommand(cli *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant AMOUNT GRANT_KEY",
		Short: "Credit the owner once per grant key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseCredits(args[0], true)
			if err != nil {
				return err
			}
			grantKey, err := ledger.NewGrantKey(args[1])
			if err != nil {
				return err
			}
			description, _ := cmd.Flags().GetString(flagDescription)
			ctx, cancel := cli.callContext(cmd.Context())
			defer cancel()
			result, err := cli.remote.Grant(ctx, cli.owner, amount, grantKey, description)
			if err != nil {
				return err
			}
			state := "granted"
			if result.AlreadyApplied {
				state = "already applied"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s, balance %d\n", grantKey, state, result.NewBalance)
			return nil
		},
	}
	cmd.Flags().String(flagDescription, "", "grant description")
	return cmd
}

func newHistoryCommand(cli *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the owner's transactions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			before, _ := cmd.Flags().GetInt64(flagBefore)
			beforeSequence, _ := cmd.Flags().GetInt64(flagBeforeSequence)
			limit, _ := cmd.Flags().GetInt32(flagLimit)
			ctx, cancel := cli.callContext(cmd.Context())
			defer cancel()
			cursor := ledger.TransactionCursor{BeforeUnixUTC: before, BeforeSequence: beforeSequence}
			transactions, err := cli.remote.ListTransactions(ctx, cli.owner, cursor, limit)
			if err != nil {
				return err
			}
			for _, transaction := range transactions {
				fmt.Fprintf(cmd.OutOrStdout(), "%s #%d %+d %s -> %d\n",
					time.Unix(transaction.CreatedUnixUTC, 0).UTC().Format(time.RFC3339),
					transaction.Sequence, transaction.Delta, transaction.Reference, transaction.ResultingBalance)
			}
			return nil
		},
	}
	cmd.Flags().Int64(flagBefore, 0, "only entries created before this unix time")
	cmd.Flags().Int64(flagBeforeSequence, 0, "with --before, also entries of that second below this sequence")
	cmd.Flags().Int32(flagLimit, 0, "maximum entries to return")
	return cmd
}

func newWatchCommand(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the owner's balance until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()
			cache, err := observer.NewCache(cli.owner, observer.WithChangeHandler(func(balance ledger.Credits) {
				fmt.Fprintf(out, "%s %s %d\n", time.Now().UTC().Format(time.RFC3339), cli.owner, balance)
			}))
			if err != nil {
				return err
			}
			updates := make(chan ledger.BalanceUpdate)
			group, groupCtx := errgroup.WithContext(ctx)
			group.Go(func() error {
				return cli.remote.WatchBalance(groupCtx, cli.owner, updates)
			})
			group.Go(func() error {
				if err := cache.Watch(groupCtx, updates); err != nil && groupCtx.Err() == nil {
					return err
				}
				return nil
			})
			return group.Wait()
		},
	}
}

func parseCredits(raw string, positive bool) (ledger.Credits, error) {
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ledger.ErrInvalidCredits, raw)
	}
	if positive {
		return ledger.NewPositiveCredits(value)
	}
	return ledger.NewCredits(value)
}
