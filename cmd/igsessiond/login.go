package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	errs "igsession/pkg/errors"
	"igsession/pkg/orchestrator"
)

var passwordStdin bool

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log a user in and store the session",
	Long: `Log a user in through the automation bridge, bind it to a healthy proxy
and persist the session and password hash.

The password is prompted for on a terminal. Use --password-stdin to read it
from the first line of standard input instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout <username>",
	Short: "Log a user out and drop the stored session",
	Long: `Log a user out upstream and drop the stored session. The proxy binding
and password hash are kept so the next login lands on the same proxy.`,
	Args: cobra.ExactArgs(1),
	RunE: runLogout,
}

var acquireCmd = &cobra.Command{
	Use:   "acquire <username>",
	Short: "Obtain a working session the way an API request would",
	Args:  cobra.ExactArgs(1),
	RunE:  runAcquire,
}

func init() {
	loginCmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	acquireCmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read a fallback password from stdin")
	rootCmd.AddCommand(loginCmd, logoutCmd, acquireCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	password, err := readPassword(cmd, passwordStdin)
	if err != nil {
		return err
	}
	if password == "" {
		return errors.New("password is required")
	}

	a, err := appFromFlags(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	lease, err := a.orch.Login(cmd.Context(), args[0], password)
	if err != nil {
		return describe(err)
	}
	defer lease.Close()

	printLease(cmd.OutOrStdout(), args[0], lease)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	a, err := appFromFlags(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orch.Logout(cmd.Context(), args[0]); err != nil {
		return describe(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Logged out %s\n", args[0])
	return nil
}

func runAcquire(cmd *cobra.Command, args []string) error {
	var password string
	if passwordStdin {
		var err error
		if password, err = readPassword(cmd, true); err != nil {
			return err
		}
	}

	a, err := appFromFlags(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	lease, err := a.orch.Acquire(cmd.Context(), orchestrator.Request{Username: args[0], Password: password})
	if err != nil {
		return describe(err)
	}
	defer lease.Close()

	printLease(cmd.OutOrStdout(), args[0], lease)
	return nil
}

// readPassword prompts on a terminal, or reads one line from stdin
func readPassword(cmd *cobra.Command, fromStdin bool) (string, error) {
	fd := int(syscall.Stdin)
	if !fromStdin && term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printLease(w io.Writer, username string, lease *orchestrator.Lease) {
	fmt.Fprintf(w, "User:  %s\n", username)
	fmt.Fprintf(w, "Proxy: %s\n", lease.Proxy)
	fmt.Fprintf(w, "State: %s\n", lease.State)
}

// describe turns typed errors into the message an API caller would see
func describe(err error) error {
	if errs.TypeOf(err) == errs.ErrorTypeUnknown {
		return err
	}
	return fmt.Errorf("%s (%s)", errs.SafeMessage(err), errs.TypeOf(err))
}
