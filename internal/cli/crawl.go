package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meshfind/meshfind/internal/logx"
	"github.com/meshfind/meshfind/internal/node"
)

// NewCrawlCmd creates the 'crawl' command.
func NewCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl URL",
		Short: "Crawl and index one URL",
		Long: `Fetch, extract and index a single URL synchronously, printing the
terminal pipeline state. Robots rules, the address guard and the dedup
pipeline all apply.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, args[0])
		},
	}
	addDataFlag(cmd)
	return cmd
}

func runCrawl(cmd *cobra.Command, rawURL string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	n, err := node.New(cfg, logx.Nop(), node.Options{})
	if err != nil {
		return err
	}
	defer n.Close()

	canon, err := n.Crawler().Enqueue(rawURL)
	if err != nil {
		return err
	}
	state := n.Crawler().CrawlOne(cmd.Context(), canon)
	fmt.Printf("%s: %s\n", canon, state)
	return nil
}
