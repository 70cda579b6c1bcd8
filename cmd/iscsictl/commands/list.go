package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// listCmd shows the configured targets and their session state.
func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [-t target-iqn]",
		Short: "List configured targets and their state",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}

			iqns := st.Targets()
			if flagTarget != "" {
				iqns = []string{flagTarget}
			}

			// The daemon may be down; state then shows as unknown.
			client, dialErr := dialDaemon()
			if dialErr == nil {
				defer func() { _ = client.Close() }()
			}

			rows := make([]targetRow, 0, len(iqns))
			for _, iqn := range iqns {
				row := targetRow{
					IQN:        iqn,
					ConfigType: st.ConfigType(iqn),
					AuthMethod: st.AuthMethod(iqn),
					AutoLogin:  st.AutoLogin(iqn),
					State:      "unknown",
				}
				for _, p := range st.PortalsForTarget(iqn) {
					row.Portals = append(row.Portals, p.String())
				}
				if dialErr == nil {
					row.State = sessionState(client, iqn)
					if verbose && row.State == "active" {
						row.Properties = sessionProperties(client, iqn)
					}
				}
				rows = append(rows, row)
			}

			out, err := formatTargets(rows, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
	addTargetFlags(cmd)

	return cmd
}
