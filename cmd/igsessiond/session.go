package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"igsession/pkg/session"
)

var sessionJSON bool

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect stored sessions",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <username>",
	Short: "Show the stored record for a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every stored user with its proxy binding",
	RunE:  runSessionList,
}

func init() {
	sessionShowCmd.Flags().BoolVar(&sessionJSON, "json", false, "print as JSON")
	sessionCmd.AddCommand(sessionShowCmd, sessionListCmd)
	rootCmd.AddCommand(sessionCmd)
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	a, err := appFromFlags(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	info, err := a.store.Inspect(cmd.Context(), args[0])
	if errors.Is(err, session.ErrRecordNotFound) {
		return fmt.Errorf("no record for %s", args[0])
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if sessionJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Fprintf(out, "Username:     %s\n", info.Username)
	fmt.Fprintf(out, "Proxy:        %s\n", orNone(info.Proxy))
	fmt.Fprintf(out, "Session:      %s\n", sessionStatus(info))
	fmt.Fprintf(out, "Password:     %t\n", info.HasPassword)
	if !info.Timestamp.IsZero() {
		fmt.Fprintf(out, "Refreshed at: %s\n", info.Timestamp.Format("2006-01-02 15:04:05 MST"))
	}
	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	a, err := appFromFlags(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	names, err := a.store.List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tPROXY\tSESSION")
	for _, name := range names {
		info, err := a.store.Inspect(ctx, name)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\terror: %v\n", name, err)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, orNone(info.Proxy), sessionStatus(info))
	}
	w.Flush()

	load, err := a.store.ProxyLoad(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d users across %d proxies (capacity %d each)\n", len(names), len(load), a.store.Capacity())
	return nil
}

// appFromFlags loads configuration and wires the full application
func appFromFlags(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(nil)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return buildApp(cmd.Context(), cfg, log)
}

func sessionStatus(info *session.Info) string {
	switch {
	case !info.HasSession:
		return "none"
	case info.Expired:
		return "expired"
	default:
		return "valid"
	}
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
