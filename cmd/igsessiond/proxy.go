package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"igsession/pkg/proxy"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Inspect outbound proxies",
}

var proxyCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe every configured proxy once",
	Long: `Probe every configured proxy through the health check URL and print
the result. Exits with a non-zero status when no proxy is healthy.`,
	RunE: runProxyCheck,
}

func init() {
	proxyCmd.AddCommand(proxyCheckCmd)
	rootCmd.AddCommand(proxyCmd)
}

func runProxyCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	pool := proxy.NewPool(cfg.Proxy.Endpoints(),
		proxy.WithScheme(cfg.Proxy.Scheme),
		proxy.WithCheckURL(cfg.Proxy.HealthCheckURL),
		proxy.WithTimeout(cfg.Proxy.HealthCheckTimeout),
		proxy.WithSweepWorkers(cfg.Proxy.SweepWorkers),
		proxy.WithLogger(log),
	)

	results := pool.Sweep(cmd.Context())

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROXY\tSTATUS\tLATENCY\tERROR")
	for _, h := range results {
		status := "down"
		if h.Healthy {
			status = "ok"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.Address, status, h.Latency.Round(time.Millisecond), h.Error)
	}
	w.Flush()

	healthy := proxy.Healthy(results)
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d proxies healthy\n", healthy, len(results))
	if healthy == 0 {
		fmt.Fprintln(os.Stderr, "no working proxy found")
		os.Exit(2)
	}
	return nil
}
