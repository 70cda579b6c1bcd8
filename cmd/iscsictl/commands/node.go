package commands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/goiscsi/iscsid/internal/store"
)

// addCmd registers a static target (and optionally its first portal).
func addCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add -t target-iqn [-p host[:port]] [-f interface]",
		Short: "Add a target to the node database",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			target, err := requireTarget()
			if err != nil {
				return err
			}
			portal, err := parsePortal()
			if err != nil {
				return err
			}

			st, err := openStore()
			if err != nil {
				return err
			}

			if err := st.AddTarget(target.IQN, store.ConfigTypeStatic); err != nil {
				if !errors.Is(err, store.ErrTargetExists) {
					return err
				}
				// Adding a portal to an existing target is fine.
				if portal == nil {
					return err
				}
			}
			if portal != nil {
				if err := st.AddPortalForTarget(target.IQN, *portal); err != nil {
					return err
				}
			}

			notifyDaemon()
			fmt.Printf("added %s\n", target.IQN)
			return nil
		},
	}
	addTargetFlags(cmd)
	addPortalFlags(cmd)

	return cmd
}

// removeCmd removes a portal from a target, or the whole target.
func removeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove -t target-iqn [-p host[:port]]",
		Short: "Remove a target or one of its portals",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			target, err := requireTarget()
			if err != nil {
				return err
			}
			portal, err := parsePortal()
			if err != nil {
				return err
			}

			st, err := openStore()
			if err != nil {
				return err
			}

			if portal != nil {
				if err := st.RemovePortalForTarget(target.IQN, *portal); err != nil {
					return err
				}
				notifyDaemon()
				fmt.Printf("removed %s from %s\n", portal.String(), target.IQN)
				return nil
			}

			if err := st.RemoveTarget(target.IQN); err != nil {
				return err
			}
			// The target's CHAP secret goes with it.
			_ = openKeychain().RemoveCHAPSecretForNode(target.IQN)

			notifyDaemon()
			fmt.Printf("removed %s\n", target.IQN)
			return nil
		},
	}
	addTargetFlags(cmd)
	addPortalFlags(cmd)

	return cmd
}

// modifyCmd updates per-target settings: CHAP credentials, digests,
// auto-login, connection limits.
func modifyCmd() *cobra.Command {
	var (
		autoLogin      string
		headerDigest   string
		dataDigest     string
		maxConnections int
		recoveryLevel  int
	)

	cmd := &cobra.Command{
		Use:   "modify -t target-iqn [options]",
		Short: "Modify a target's settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, err := requireTarget()
			if err != nil {
				return err
			}

			st, err := openStore()
			if err != nil {
				return err
			}
			if !st.HasTarget(target.IQN) {
				return fmt.Errorf("%s: %w", target.IQN, store.ErrTargetNotFound)
			}
			kc := openKeychain()

			if flagUser != "" || flagSecret != "" {
				if flagUser == "" || flagSecret == "" {
					return errors.New("CHAP requires both -u and -s")
				}
				if err := st.SetTargetOption(target.IQN, "auth_method", "CHAP"); err != nil {
					return err
				}
				if err := st.SetTargetOption(target.IQN, "chap_user", flagUser); err != nil {
					return err
				}
				if err := kc.SetCHAPSecretForNode(target.IQN, flagSecret); err != nil {
					return err
				}
			}
			if flagMutualUser != "" || flagMutualSecr != "" {
				if flagMutualUser == "" || flagMutualSecr == "" {
					return errors.New("mutual CHAP requires both -q and -r")
				}
				if err := st.SetTargetOption(target.IQN, "mutual_chap_user", flagMutualUser); err != nil {
					return err
				}
				initiatorIQN := st.InitiatorIQN()
				if initiatorIQN == "" {
					return errors.New("store has no initiator IQN yet; start the daemon once first")
				}
				if err := kc.SetCHAPSecretForNode(initiatorIQN, flagMutualSecr); err != nil {
					return err
				}
			}

			if autoLogin != "" {
				v, err := strconv.ParseBool(autoLogin)
				if err != nil {
					return fmt.Errorf("--auto-login: %w", err)
				}
				if err := st.SetTargetOption(target.IQN, "auto_login", v); err != nil {
					return err
				}
			}
			if headerDigest != "" {
				if err := st.SetTargetOption(target.IQN, "header_digest", headerDigest); err != nil {
					return err
				}
			}
			if dataDigest != "" {
				if err := st.SetTargetOption(target.IQN, "data_digest", dataDigest); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("max-connections") {
				if err := st.SetTargetOption(target.IQN, "max_connections", maxConnections); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("recovery-level") {
				if err := st.SetTargetOption(target.IQN, "error_recovery_level", recoveryLevel); err != nil {
					return err
				}
			}

			notifyDaemon()
			fmt.Printf("modified %s\n", target.IQN)
			return nil
		},
	}
	addTargetFlags(cmd)
	addAuthFlags(cmd)
	cmd.Flags().StringVar(&autoLogin, "auto-login", "", "log in at daemon start (true/false)")
	cmd.Flags().StringVar(&headerDigest, "header-digest", "", "header digest: None or CRC32C")
	cmd.Flags().StringVar(&dataDigest, "data-digest", "", "data digest: None or CRC32C")
	cmd.Flags().IntVar(&maxConnections, "max-connections", 1, "maximum connections per session")
	cmd.Flags().IntVar(&recoveryLevel, "recovery-level", 0, "error recovery level (0-2)")

	return cmd
}
