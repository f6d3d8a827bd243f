package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/eldorplus/pki/internal/infrastructure/policy"
)

var aclCmd = &cobra.Command{
	Use:   "acl",
	Short: "Inspect access control files",
}

var aclCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Parse an ACL file and list its realms",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		acl, err := policy.NewStaticACL(args[0])
		if err != nil {
			return err
		}
		realms := acl.Realms()
		sort.Strings(realms)
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok, %d realm(s)\n", args[0], len(realms))
		for _, r := range realms {
			fmt.Fprintf(cmd.OutOrStdout(), "- %s\n", r)
		}
		return nil
	},
}

func init() {
	aclCmd.AddCommand(aclCheckCmd)
	rootCmd.AddCommand(aclCmd)
}
