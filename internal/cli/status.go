package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meshfind/meshfind/internal/logx"
	"github.com/meshfind/meshfind/internal/node"
)

// NewStatusCmd creates the 'status' command.
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Long:  `Print index size, peer count, credit balance and degradation level.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd)
		},
	}
	addDataFlag(cmd)
	return cmd
}

func runStatus(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	n, err := node.New(cfg, logx.Nop(), node.Options{})
	if err != nil {
		return err
	}
	defer n.Close()

	st := n.MCPBackend().Status()
	fmt.Printf("Fingerprint:    %s\n", n.Identity().Fingerprint)
	fmt.Printf("Index docs:     %d\n", st.IndexDocs)
	fmt.Printf("Known peers:    %d\n", st.Peers)
	fmt.Printf("Credit balance: %.3f\n", st.CreditBalance)
	fmt.Printf("Trust tier:     %s\n", st.Tier)
	fmt.Printf("Account state:  %s\n", st.AccountState)
	fmt.Printf("Degrade level:  %d\n", st.DegradeLevel)
	return nil
}
