package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/medalert/adherence-engine/internal/infrastructure/redpanda"
)

func newTopicsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage the Redpanda topics of the adherence services",
	}

	withAdmin := func(fn func(cmd *cobra.Command, args []string, admin *redpanda.Admin, e *env) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			e, err := g.env()
			if err != nil {
				return err
			}
			admin, err := redpanda.NewAdmin(e.cfg.Kafka.Brokers, e.logger)
			if err != nil {
				return err
			}
			defer admin.Close()
			return fn(cmd, args, admin, e)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "ensure",
			Short: "Create missing topics",
			Args:  cobra.NoArgs,
			RunE: withAdmin(func(cmd *cobra.Command, _ []string, admin *redpanda.Admin, _ *env) error {
				if err := admin.EnsureTopics(cmd.Context()); err != nil {
					return err
				}
				for _, t := range redpanda.DefaultTopicConfigs() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d partitions\n", t.Name, t.Partitions)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "list",
			Short: "List topics",
			Args:  cobra.NoArgs,
			RunE: withAdmin(func(cmd *cobra.Command, _ []string, admin *redpanda.Admin, _ *env) error {
				names, err := admin.ListTopics(cmd.Context())
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "describe <topic>",
			Short: "Show partition leaders and replicas",
			Args:  cobra.ExactArgs(1),
			RunE: withAdmin(func(cmd *cobra.Command, args []string, admin *redpanda.Admin, _ *env) error {
				details, err := admin.DescribeTopic(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), details)
			}),
		},
		&cobra.Command{
			Use:   "lag [group]",
			Short: "Show consumer group lag (default: the refresher's group)",
			Args:  cobra.MaximumNArgs(1),
			RunE: withAdmin(func(cmd *cobra.Command, args []string, admin *redpanda.Admin, e *env) error {
				group := e.cfg.Kafka.ConsumerGroup
				if len(args) == 1 {
					group = args[0]
				}
				lag, err := admin.GetConsumerGroupLag(cmd.Context(), group)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), lag)
			}),
		},
		&cobra.Command{
			Use:   "delete <topic>...",
			Short: "Delete topics",
			Args:  cobra.MinimumNArgs(1),
			RunE: withAdmin(func(cmd *cobra.Command, args []string, admin *redpanda.Admin, _ *env) error {
				return admin.DeleteTopics(cmd.Context(), args...)
			}),
		},
	)
	return cmd
}
