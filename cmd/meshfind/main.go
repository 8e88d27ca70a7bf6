/*
Package main is the entry point for the meshfind CLI.

meshfind is a fully decentralized web search node: every peer crawls,
indexes, answers queries and routes for the mesh. There is no central
server of any kind.

Usage:
  meshfind [command]

Available Commands:
  init        Create a node identity and default configuration
  serve       Run the node and expose the MCP tool surface on stdio
  crawl       Crawl and index one URL
  search      Query the index
  status      Show node status
  version     Show version information
  help        Help about any command

Examples:
  # First-time setup
  meshfind init --profile contributor

  # Run as a mesh node and MCP server
  meshfind serve

  # One-shot local query
  meshfind search distributed hash tables
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meshfind/meshfind/internal/cli"
	"github.com/meshfind/meshfind/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "meshfind",
		Short: "Decentralized peer-to-peer web search",
		Long: `meshfind is a node of a fully decentralized search mesh. Each peer
crawls and indexes its shard of the web, answers queries from its own
index, and fans queries out to trusted peers over a Kademlia overlay.

Participation earns credits (crawling, hosting, uptime); querying
spends them. There are no central servers, no accounts and no raw
query logging anywhere in the mesh.`,
		Version: version.GetVersion(),
	}

	rootCmd.AddCommand(cli.NewInitCmd())
	rootCmd.AddCommand(cli.NewServeCmd())
	rootCmd.AddCommand(cli.NewCrawlCmd())
	rootCmd.AddCommand(cli.NewSearchCmd())
	rootCmd.AddCommand(cli.NewStatusCmd())
	rootCmd.AddCommand(cli.NewVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
