package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/goiscsi/iscsid/internal/iscsi"
)

// discoveryCmd groups the SendTargets discovery subcommands.
func discoveryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discovery",
		Short: "Manage SendTargets discovery",
	}
	cmd.AddCommand(discoveryRunCmd())
	cmd.AddCommand(discoveryAddCmd())
	cmd.AddCommand(discoveryRemoveCmd())
	cmd.AddCommand(discoveryEnableCmd())
	cmd.AddCommand(discoveryDisableCmd())
	cmd.AddCommand(discoveryListCmd())

	return cmd
}

// discoveryRunCmd runs an immediate SendTargets query via the daemon.
func discoveryRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run -p host[:port] [-f interface] [-u user -s secret]",
		Short: "Query a discovery portal for targets now",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			portal, err := parsePortal()
			if err != nil {
				return err
			}
			if portal == nil {
				return errors.New("a discovery portal is required (-p)")
			}

			auth := iscsi.AuthNone()
			if flagUser != "" && flagSecret != "" {
				auth = iscsi.AuthCHAP(flagUser, flagSecret)
			}

			client, err := dialDaemon()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			rec, err := client.QueryTargets(*portal, auth)
			if err != nil {
				return fmt.Errorf("discovery at %s: %w", portal.String(), err)
			}

			out, err := formatDiscoveryRecord(rec, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
	addPortalFlags(cmd)
	addAuthFlags(cmd)

	return cmd
}

// discoveryAddCmd records a discovery portal in the store.
func discoveryAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add -p host[:port] [-f interface]",
		Short: "Add a discovery portal",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			portal, err := parsePortal()
			if err != nil {
				return err
			}
			if portal == nil {
				return errors.New("a discovery portal is required (-p)")
			}

			st, err := openStore()
			if err != nil {
				return err
			}
			if err := st.AddDiscoveryPortal(*portal); err != nil {
				return err
			}

			notifyDaemon()
			fmt.Printf("added discovery portal %s\n", portal.String())
			return nil
		},
	}
	addPortalFlags(cmd)

	return cmd
}

// discoveryRemoveCmd removes a discovery portal from the store.
func discoveryRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove -p host[:port]",
		Short: "Remove a discovery portal",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			portal, err := parsePortal()
			if err != nil {
				return err
			}
			if portal == nil {
				return errors.New("a discovery portal is required (-p)")
			}

			st, err := openStore()
			if err != nil {
				return err
			}
			if err := st.RemoveDiscoveryPortal(*portal); err != nil {
				return err
			}

			notifyDaemon()
			fmt.Printf("removed discovery portal %s\n", portal.String())
			return nil
		},
	}
	addPortalFlags(cmd)

	return cmd
}

// discoveryEnableCmd turns on periodic discovery.
func discoveryEnableCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "enable [--interval 5m]",
		Short: "Enable periodic SendTargets discovery",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			if err := st.SetSendTargets(true, interval); err != nil {
				return err
			}

			notifyDaemon()
			fmt.Println("periodic discovery enabled")
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Minute, "discovery period")

	return cmd
}

// discoveryDisableCmd turns off periodic discovery.
func discoveryDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Disable periodic SendTargets discovery",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			if err := st.SetSendTargets(false, 0); err != nil {
				return err
			}

			notifyDaemon()
			fmt.Println("periodic discovery disabled")
			return nil
		},
	}
}

// discoveryListCmd shows the configured discovery portals.
func discoveryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List discovery portals",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}

			enabled := "disabled"
			if st.SendTargetsEnabled() {
				enabled = fmt.Sprintf("enabled, every %s", st.SendTargetsInterval())
			}
			fmt.Printf("periodic discovery: %s\n", enabled)
			for _, p := range st.DiscoveryPortals() {
				fmt.Println(p.String())
			}
			return nil
		},
	}
}
