package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meshfind/meshfind/internal/logx"
	"github.com/meshfind/meshfind/internal/node"
)

// NewSearchCmd creates the 'search' command.
func NewSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search QUERY...",
		Short: "Query the index",
		Long: `Run a one-shot query against the local index. With --mesh the node
joins the overlay first and fans the query out to trusted peers.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, strings.Join(args, " "))
		},
	}
	addDataFlag(cmd)
	cmd.Flags().Int("limit", 10, "maximum results")
	cmd.Flags().Bool("mesh", false, "fan out to remote peers")
	return cmd
}

func runSearch(cmd *cobra.Command, query string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	mesh, _ := cmd.Flags().GetBool("mesh")

	n, err := node.New(cfg, logx.Nop(), node.Options{})
	if err != nil {
		return err
	}
	defer n.Close()

	ctx := cmd.Context()
	if mesh {
		if err := n.Bootstrap(ctx); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}

	res, err := n.Orchestrator().Search(ctx, query, limit, !mesh)
	if err != nil {
		return err
	}
	if len(res.Hits) == 0 {
		fmt.Println("no results")
		return nil
	}
	for i, h := range res.Hits {
		fmt.Printf("%2d. %.3f  %s\n    %s\n", i+1, h.Score, h.Title, h.URL)
		if h.Snippet != "" {
			fmt.Printf("    %s\n", h.Snippet)
		}
	}
	if res.Partial {
		fmt.Println("(partial: some peers did not answer)")
	}
	return nil
}
