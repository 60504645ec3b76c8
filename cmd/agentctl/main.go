// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"agent-platform/internal/agent"
	"agent-platform/internal/app"
	"agent-platform/internal/storage/statestore"
	"agent-platform/pkg/auth"
	"agent-platform/pkg/config"
	"agent-platform/pkg/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	cfgPath string
	verbose bool
}

// withApp 按配置打开运行时组件，执行 fn 后关闭
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.LoadConfig(o.cfgPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	var opts []app.Option
	if !o.verbose {
		opts = append(opts, app.WithLogger(log.NewDiscard()))
	}
	a, err := app.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	root := &cobra.Command{
		Use:           "agentctl",
		Short:         "Operator tool for agent state snapshots, resumable work and disaster recovery",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&o.cfgPath, "config", "c", os.Getenv("AGENTRT_CONFIG"), "config file (yaml)")
	root.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "log runtime output")
	root.AddCommand(
		newSnapshotsCmd(o),
		newVerifyCmd(o),
		newResumableCmd(o),
		newRecoverCmd(o),
		newTokenCmd(o),
	)
	return root
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSnapshotsCmd(o *rootOptions) *cobra.Command {
	var tier string
	cmd := &cobra.Command{
		Use:   "snapshots <agent_id>",
		Short: "List stored snapshots of an agent, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				tiers := a.Store.Order()
				if tier != "" {
					t, err := statestore.ParseTier(tier)
					if err != nil {
						return err
					}
					tiers = []statestore.Tier{t}
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIER\tSNAPSHOT\tVERSION\tPHASE\tKIND\tCREATED")
				for _, t := range tiers {
					snaps, err := a.Store.ListSnapshots(ctx, args[0], t)
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", t, err)
						continue
					}
					for _, s := range snaps {
						fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
							t, s.ID, s.Version, s.Phase, s.Kind, s.CreatedAt.Format(time.RFC3339))
					}
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&tier, "tier", "", "only this tier (fast|durable|archival)")
	return cmd
}

func newVerifyCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <agent_id> <snapshot_id>",
		Short: "Load a snapshot, check its checksum and validate the record structure",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				snap, rec, err := a.Store.Load(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				report := a.Store.ValidateIntegrity(rec, snap.Checksum)
				if err := writeJSON(cmd.OutOrStdout(), struct {
					Snapshot *statestore.Snapshot `json:"snapshot"`
					statestore.IntegrityReport
				}{snap, report}); err != nil {
					return err
				}
				if !report.IntegrityValid {
					return fmt.Errorf("snapshot %s failed integrity validation", args[1])
				}
				return nil
			})
		},
	}
}

func newResumableCmd(o *rootOptions) *cobra.Command {
	var user, thread string
	cmd := &cobra.Command{
		Use:   "resumable",
		Short: "List a user's resumable work",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				work, err := a.Tracker.FindResumableWork(ctx, user, thread)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), work)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "owner user id")
	cmd.Flags().StringVar(&thread, "thread", "", "restrict to a thread")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newRecoverCmd(o *rootOptions) *cobra.Command {
	var user, tier string
	var geo bool
	cmd := &cobra.Command{
		Use:   "recover <agent_id>",
		Short: "Recover an agent from the first tier holding a valid snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pref, err := statestore.ParseTier(tier)
			if err != nil {
				return err
			}
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				out, err := a.Recovery.RecoverAgent(ctx, args[0], agent.UserContext{UserID: user}, pref, geo)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "owner user id")
	cmd.Flags().StringVar(&tier, "tier", string(statestore.TierFast), "preferred tier")
	cmd.Flags().BoolVar(&geo, "geo", false, "allow reading the cross-region archival tier")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newTokenCmd(o *rootOptions) *cobra.Command {
	var user, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token signed with the configured jwt key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withApp(cmd, func(ctx context.Context, a *app.App) error {
				issuer, ok := a.Auth.(*auth.JWTAuthenticator)
				if !ok || issuer == nil {
					return fmt.Errorf("auth.jwt_key is not configured")
				}
				token, err := issuer.Mint(user, auth.Role(role), ttl)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "subject user id")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleUser), "role (admin|operator|user)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
