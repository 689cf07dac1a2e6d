package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"validator_fleet/pkg/data"
	"validator_fleet/pkg/failover"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newFailoverCommand() *cobra.Command {
	var (
		strategy string
		force    bool
		failback bool
	)

	cmd := &cobra.Command{
		Use:   "failover <primary-node> <backup-node>",
		Short: "Move the active signing role from a primary to a backup node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := failover.Request{
				PrimaryID: args[0],
				BackupID:  args[1],
				Force:     force,
				Failback:  failback,
			}
			if strategy != "" {
				s, err := data.ParseStrategy(strategy)
				if err != nil {
					return err
				}
				req.Strategy = &s
			}

			return withApp(cmd, func(ctx context.Context, app *App) error {
				result, err := app.failover.InitiateFailover(ctx, req)
				if err != nil {
					return err
				}
				if err := printJSON(result); err != nil {
					return err
				}
				if result.State == data.StateFailed {
					return fmt.Errorf("failover failed: %s", result.Message)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", "", "Override the group strategy (manual, time_delayed, consensus_based)")
	cmd.Flags().BoolVar(&force, "force", false, "Skip the live-primary check and override a signing conflict")
	cmd.Flags().BoolVar(&failback, "failback", false, "Return the active role to the group's original primary")
	return cmd
}

func newConfirmCommand() *cobra.Command {
	var backup string

	cmd := &cobra.Command{
		Use:   "confirm <identity>",
		Short: "Complete a manual failover after the backup has been started",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				result, err := app.failover.ConfirmManualFailover(ctx, args[0], backup)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}

	cmd.Flags().StringVar(&backup, "backup", "", "Backup node now running (defaults to the group's first backup)")
	return cmd
}

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <identity>",
		Short: "Show recent failover records of an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				records, err := app.failover.History(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printJSON(records)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of records")
	return cmd
}

func newGroupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage failover groups",
	}

	var (
		primary      string
		backups      []string
		strategy     string
		delay        time.Duration
		autoFailback bool
	)
	set := &cobra.Command{
		Use:   "set <identity>",
		Short: "Create or reconfigure the failover group of an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := data.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			group := &data.FailoverGroup{
				IdentityID:    args[0],
				PrimaryNodeID: primary,
				BackupNodeIDs: backups,
				Strategy:      s,
				FailoverDelay: delay,
				AutoFailback:  autoFailback,
				State:         data.StateActive,
			}
			return withApp(cmd, func(ctx context.Context, app *App) error {
				if err := app.repo.SaveFailoverGroup(ctx, group); err != nil {
					return err
				}
				saved, err := app.repo.GetFailoverGroup(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(saved)
			})
		},
	}
	set.Flags().StringVar(&primary, "primary", "", "Primary node id")
	set.Flags().StringSliceVar(&backups, "backup", nil, "Backup node ids in failover order")
	set.Flags().StringVar(&strategy, "strategy", string(data.StrategyTimeDelayed), "Failover strategy")
	set.Flags().DurationVar(&delay, "delay", 300*time.Second, "Wait between stopping the primary and starting a backup")
	set.Flags().BoolVar(&autoFailback, "auto-failback", false, "Fail back to the primary once it is healthy again")
	_ = set.MarkFlagRequired("primary")
	_ = set.MarkFlagRequired("backup")

	show := &cobra.Command{
		Use:   "show <identity>",
		Short: "Show the failover group of an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				group, err := app.repo.GetFailoverGroup(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(group)
			})
		},
	}

	reset := &cobra.Command{
		Use:   "reset <identity>",
		Short: "Return a failed, failed-over or stranded group to active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				return app.failover.ResetGroup(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(set, show, reset)
	return cmd
}

func newLockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect the double-sign guard",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status <identity>",
		Short: "Show who holds the signing and migration locks of an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				lock, err := app.guard.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(struct {
					*data.IdentityLock
					MigrationHeld bool `json:"migration_held"`
				}{lock, lock.MigrationHeld(time.Now())})
			})
		},
	})
	return cmd
}

func newIdentityCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage signing identities",
	}

	var wallet string
	add := &cobra.Command{
		Use:   "add <identity> <consensus-pubkey-hex>",
		Short: "Register a signing identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pubKey, err := hex.DecodeString(args[1])
			if err != nil {
				return fmt.Errorf("decoding consensus public key: %w", err)
			}
			identity, err := data.NewSigningIdentity(args[0], wallet, pubKey)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *App) error {
				if err := app.repo.SaveIdentity(ctx, identity); err != nil {
					return err
				}
				return printJSON(identity)
			})
		},
	}
	add.Flags().StringVar(&wallet, "wallet", "", "Operator wallet address")

	cmd.AddCommand(add)
	return cmd
}

func newNodeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Manage validator nodes",
	}

	var role string
	add := &cobra.Command{
		Use:   "add <node> <identity>",
		Short: "Register a validator node for an identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			node := &data.ValidatorNode{
				NodeID:     args[0],
				IdentityID: args[1],
				Role:       data.NodeRole(role),
				Status:     data.NodeStopped,
			}
			return withApp(cmd, func(ctx context.Context, app *App) error {
				return app.repo.SaveNode(ctx, node)
			})
		},
	}
	add.Flags().StringVar(&role, "role", string(data.RoleBackup), "Node role (primary or backup)")

	var hb struct {
		height int64
		round  int32
		hash   string
		missed int64
		status string
	}
	heartbeat := &cobra.Command{
		Use:   "heartbeat <node>",
		Short: "Record a heartbeat reported for a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			beat := data.Heartbeat{
				Height:           hb.height,
				Round:            hb.round,
				SignedHash:       hb.hash,
				MissedBlockCount: hb.missed,
				Timestamp:        time.Now().UTC(),
			}
			if hb.status != "" {
				status, err := data.ParseNodeStatus(hb.status)
				if err != nil {
					return err
				}
				beat.Status = status
			}
			return withApp(cmd, func(ctx context.Context, app *App) error {
				return app.repo.UpdateNode(ctx, args[0], beat.Update())
			})
		},
	}
	heartbeat.Flags().Int64Var(&hb.height, "height", 0, "Latest block height")
	heartbeat.Flags().Int32Var(&hb.round, "round", 0, "Latest consensus round")
	heartbeat.Flags().StringVar(&hb.hash, "signed-hash", "", "Hash of the last signed block")
	heartbeat.Flags().Int64Var(&hb.missed, "missed", 0, "Missed blocks in the signing window")
	heartbeat.Flags().StringVar(&hb.status, "status", "", "Lifecycle status")

	cmd.AddCommand(add, heartbeat)
	return cmd
}
