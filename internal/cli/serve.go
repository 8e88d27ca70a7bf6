package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meshfind/meshfind/internal/logx"
	"github.com/meshfind/meshfind/internal/mcp"
	"github.com/meshfind/meshfind/internal/metrics"
	"github.com/meshfind/meshfind/internal/node"
)

// NewServeCmd creates the 'serve' command: the full node plus the MCP
// stdio server.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node and expose the MCP tool surface on stdio",
		Long: `Start the meshfind node: join the overlay, crawl, index, answer
queries, and expose 5 tools to AI clients over stdio:
  • search       - distributed ranked search
  • search_local - local index only
  • fetch_page   - cached or live page text
  • crawl_url    - queue a crawl
  • status       - node health and credits`,
		Example: `  # Run directly
  meshfind serve

  # Add to an MCP client
  claude mcp add meshfind -- meshfind serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
	addDataFlag(cmd)
	cmd.Flags().Bool("no-mcp", false, "run the node without the stdio tool server")
	return cmd
}

func runServe(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := logx.New(cfg.DataDir, logx.ParseLevel(cfg.LogLevel), cfg.LogConsole)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Sync()

	n, err := node.New(cfg, log, node.Options{Metrics: metrics.New()})
	if err != nil {
		return fmt.Errorf("assemble node: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := n.Bootstrap(ctx); err != nil {
		// A solo node still serves its local index; surface but continue.
		fmt.Fprintf(os.Stderr, "bootstrap: %v\n", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	nodeErr := make(chan error, 1)
	go func() { nodeErr <- n.Run(ctx) }()

	mcpErr := make(chan error, 1)
	noMCP, _ := cmd.Flags().GetBool("no-mcp")
	if !noMCP {
		server := mcp.NewServer(n.MCPBackend(), nil, log)
		go func() { mcpErr <- server.Run() }()
	}

	select {
	case sig := <-sigChan:
		fmt.Fprintf(os.Stderr, "received %v, shutting down\n", sig)
		cancel()
		return <-nodeErr
	case err := <-mcpErr:
		// stdin closed: the MCP client went away.
		cancel()
		<-nodeErr
		return err
	case err := <-nodeErr:
		return err
	}
}
