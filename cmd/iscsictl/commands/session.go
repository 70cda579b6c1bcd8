package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/goiscsi/iscsid/internal/iscsi"
)

// loginCmd logs in a target (or every configured target with -a).
func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login -t target-iqn [-p host[:port]] | -a",
		Short: "Log in to a target",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			client, err := dialDaemon()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			if flagAll {
				return loginAll(client)
			}

			target, err := requireTarget()
			if err != nil {
				return err
			}
			portal, err := parsePortal()
			if err != nil {
				return err
			}

			status, err := client.Login(target, portal)
			if err != nil {
				return loginFailure(target.IQN, status, err)
			}
			if status != iscsi.LoginSuccess {
				return loginFailure(target.IQN, status, nil)
			}
			fmt.Printf("logged in to %s\n", target.IQN)
			return nil
		},
	}
	addTargetFlags(cmd)
	addPortalFlags(cmd)
	cmd.Flags().BoolVarP(&flagAll, "all", "a", false, "log in every configured target")

	return cmd
}

// loginAll logs in every target in the node database.
func loginAll(client clientIface) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	var failed bool
	for _, iqn := range st.Targets() {
		status, err := client.Login(iscsi.Target{IQN: iqn}, nil)
		switch {
		case err != nil:
			fmt.Printf("%s: %v\n", iqn, err)
			failed = true
		case status != iscsi.LoginSuccess:
			fmt.Printf("%s: %s\n", iqn, status)
			failed = true
		default:
			fmt.Printf("%s: logged in\n", iqn)
		}
	}
	if failed {
		return errors.New("one or more logins failed")
	}
	return nil
}

// logoutCmd logs out a session or one connection.
func logoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout -t target-iqn [-p host[:port]] | -a",
		Short: "Log out of a target",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			client, err := dialDaemon()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			if flagAll {
				return logoutAll(client)
			}

			target, err := requireTarget()
			if err != nil {
				return err
			}
			portal, err := parsePortal()
			if err != nil {
				return err
			}

			status, err := client.Logout(target, portal)
			if err != nil {
				return fmt.Errorf("logout %s: %w", target.IQN, err)
			}
			if status != iscsi.LogoutSuccess {
				return fmt.Errorf("logout %s: %s", target.IQN, status)
			}
			fmt.Printf("logged out of %s\n", target.IQN)
			return nil
		},
	}
	addTargetFlags(cmd)
	addPortalFlags(cmd)
	cmd.Flags().BoolVarP(&flagAll, "all", "a", false, "log out every active target")

	return cmd
}

// logoutAll logs out every active session.
func logoutAll(client clientIface) error {
	targets, err := client.ActiveTargets()
	if err != nil {
		return err
	}

	var failed bool
	for _, t := range targets {
		status, err := client.Logout(t, nil)
		switch {
		case err != nil:
			fmt.Printf("%s: %v\n", t.IQN, err)
			failed = true
		case status != iscsi.LogoutSuccess:
			fmt.Printf("%s: %s\n", t.IQN, status)
			failed = true
		default:
			fmt.Printf("%s: logged out\n", t.IQN)
		}
	}
	if failed {
		return errors.New("one or more logouts failed")
	}
	return nil
}

// loginFailure renders the single-line failure message: local error
// plus, if present, the protocol status name.
func loginFailure(iqn string, status iscsi.LoginStatus, err error) error {
	if err != nil {
		return fmt.Errorf("login %s: %w", iqn, err)
	}
	return fmt.Errorf("login %s: %s", iqn, status)
}

// clientIface is the subset of the IPC client the bulk helpers use.
type clientIface interface {
	Login(iscsi.Target, *iscsi.Portal) (iscsi.LoginStatus, error)
	Logout(iscsi.Target, *iscsi.Portal) (iscsi.LogoutStatus, error)
	ActiveTargets() ([]iscsi.Target, error)
}
