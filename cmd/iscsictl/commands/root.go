// Package commands implements the iscsictl CLI commands.
package commands

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/goiscsi/iscsid/internal/ipc"
	"github.com/goiscsi/iscsid/internal/iscsi"
	"github.com/goiscsi/iscsid/internal/keychain"
	"github.com/goiscsi/iscsid/internal/store"
)

// Persistent flag values shared by all commands.
var (
	// socketPath is the daemon socket address.
	socketPath string

	// storePath and keychainPath locate the shared node database; the
	// node-editing commands write them directly, the daemon re-reads.
	storePath    string
	keychainPath string

	// outputFormat controls list output (table or json).
	outputFormat string

	// verbose turns on detail output (-v).
	verbose bool
)

// Common target/portal flag values.
var (
	flagTarget     string
	flagPortal     string
	flagIface      string
	flagUser       string
	flagSecret     string
	flagMutualUser string
	flagMutualSecr string
	flagAll        bool
)

// rootCmd is the top-level cobra command for iscsictl.
var rootCmd = &cobra.Command{
	Use:   "iscsictl",
	Short: "CLI client for the iscsid daemon",
	Long:  "iscsictl manages iSCSI targets, sessions, and discovery through the iscsid daemon.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", ipc.DefaultSocketPath,
		"iscsid daemon socket path")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "/etc/iscsid/nodes.yaml",
		"node database path")
	rootCmd.PersistentFlags().StringVar(&keychainPath, "keychain", "/etc/iscsid/chap.yaml",
		"CHAP secret file path")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"verbose output")

	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(removeCmd())
	rootCmd.AddCommand(modifyCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(discoveryCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits nonzero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// dialDaemon opens a client connection to the daemon socket.
func dialDaemon() (*ipc.Client, error) {
	return ipc.Dial(socketPath)
}

// openStore opens the shared node database.
func openStore() (*store.Store, error) {
	return store.Open(storePath)
}

// openKeychain opens the shared CHAP secret file.
func openKeychain() keychain.Keychain {
	return keychain.Open(keychainPath)
}

// addTargetFlags registers the -t flag.
func addTargetFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagTarget, "target", "t", "", "target IQN")
}

// addPortalFlags registers the -p and -f flags.
func addPortalFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagPortal, "portal", "p", "", "portal host[:port]")
	cmd.Flags().StringVarP(&flagIface, "interface", "f", iscsi.DefaultHostInterface,
		"host network interface")
}

// addAuthFlags registers the CHAP credential flags.
func addAuthFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagUser, "user", "u", "", "CHAP user name")
	cmd.Flags().StringVarP(&flagSecret, "secret", "s", "", "CHAP secret")
	cmd.Flags().StringVarP(&flagMutualUser, "mutual-user", "q", "", "mutual CHAP user name")
	cmd.Flags().StringVarP(&flagMutualSecr, "mutual-secret", "r", "", "mutual CHAP secret")
}

// requireTarget validates the -t flag.
func requireTarget() (iscsi.Target, error) {
	t := iscsi.Target{IQN: strings.TrimSpace(flagTarget)}
	if err := t.Validate(); err != nil {
		return iscsi.Target{}, errors.New("a target IQN is required (-t)")
	}
	return t, nil
}

// parsePortal parses the -p/-f flags into a Portal. "host[:port]"
// accepts bracketed IPv6 literals; a missing port defaults to 3260.
func parsePortal() (*iscsi.Portal, error) {
	if flagPortal == "" {
		return nil, nil
	}

	host, port, err := net.SplitHostPort(flagPortal)
	if err != nil {
		// No port given; the whole string is the host.
		host = strings.TrimPrefix(strings.TrimSuffix(flagPortal, "]"), "[")
		port = iscsi.DefaultPort
	}

	p := iscsi.Portal{Address: host, Port: port, HostInterface: flagIface}
	if p.HostInterface == "" {
		p.HostInterface = iscsi.DefaultHostInterface
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("portal %q: %w", flagPortal, err)
	}

	return &p, nil
}

// notifyDaemon pokes the daemon to re-read the store; a daemon that is
// not running is not an error for store-editing commands.
func notifyDaemon() {
	client, err := dialDaemon()
	if err != nil {
		return
	}
	defer func() { _ = client.Close() }()
	_ = client.UpdateDiscovery()
}
