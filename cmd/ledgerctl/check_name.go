package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/ledgerclose/internal/core"
)

func newCheckNameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-name <file>...",
		Short: "Check ledger file names against <client>_LibroMayor_<YYYYMM>.xlsx",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bad := 0
			for _, arg := range args {
				name := filepath.Base(arg)
				parsed, err := core.ParseFileName(name)
				if err != nil {
					bad++
					msg := core.MapError(err)
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tINVALID\t%s (%s)\n", name, msg.Message, msg.Code)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tOK\tclient=%d period=%s\n", name, parsed.ClientID, parsed.Period)
			}
			if bad > 0 {
				return fmt.Errorf("%d of %d file names are invalid", bad, len(args))
			}
			return nil
		},
	}
}
