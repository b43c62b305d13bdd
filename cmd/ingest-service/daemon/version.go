package daemon

import (
	"fmt"

	"github.com/runtimes-inventory/runtimes-inventory/internal/common/constants"
	"github.com/spf13/cobra"
)

func (a *App) installVersion() {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Returns the running version of " + constants.IngestServiceCmdName + " and exits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", constants.IngestServiceCmdName, constants.Version)
			return err
		},
	}
	a.cmd.AddCommand(cmd)
}
