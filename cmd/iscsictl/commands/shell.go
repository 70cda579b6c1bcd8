package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// shellCommands lists the available commands for the interactive shell
// help output.
var shellCommands = []struct {
	name string
	desc string
}{
	{"list [-t iqn]", "List configured targets"},
	{"add -t iqn -p host[:port]", "Add a target"},
	{"remove -t iqn [-p host[:port]]", "Remove a target or portal"},
	{"modify -t iqn ...", "Modify target settings"},
	{"login -t iqn [-p host[:port]]", "Log in to a target"},
	{"logout -t iqn [-p host[:port]]", "Log out of a target"},
	{"discovery run -p host[:port]", "Query a discovery portal"},
	{"version", "Print build information"},
	{"help", "Show this help message"},
	{"exit / quit", "Leave the interactive shell"},
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive iscsictl shell",
		Long:  "Launches a simple REPL that accepts iscsictl subcommands. Type 'help', 'exit', or 'quit'.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			printShellBanner()
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Print("iscsictl> ")

			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())

				switch {
				case line == "exit" || line == "quit":
					return nil
				case line == "help" || line == "?":
					printShellHelp()
				case line != "":
					args := strings.Fields(line)
					rootCmd.SetArgs(args)

					if err := rootCmd.Execute(); err != nil {
						fmt.Fprintln(os.Stderr, "Error:", err)
					}
				}

				fmt.Print("iscsictl> ")
			}

			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}

			return nil
		},
	}
}

// printShellBanner greets the interactive user.
func printShellBanner() {
	fmt.Println("iscsictl interactive shell. Type 'help' for commands, 'exit' to leave.")
}

// printShellHelp lists the shell commands.
func printShellHelp() {
	for _, c := range shellCommands {
		fmt.Printf("  %-34s %s\n", c.name, c.desc)
	}
}
