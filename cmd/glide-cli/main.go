package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	glide "github.com/jsp-lqk/metapipe-valkey"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	v       = glide.NewViper()
)

var rootCmd = &cobra.Command{
	Use:          "glide-cli",
	Short:        "Run commands against a Valkey or Redis deployment",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile == "" {
			return nil
		}
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("unable to read config: %w", err)
		}
		return nil
	},
}

func connect() (*glide.Client, error) {
	cfg, cluster, err := glide.ConfigurationFromViper(v)
	if err != nil {
		return nil, err
	}
	return glide.CreateClient(cfg, cluster)
}

var execCmd = &cobra.Command{
	Use:   "exec COMMAND [ARG...]",
	Short: "Execute one command and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var route glide.Route
		if r, _ := cmd.Flags().GetString("route"); r != "" {
			var err error
			if route, err = glide.ParseRoute(r); err != nil {
				return err
			}
		}
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()
		res := c.Execute(cmd.Context(), glide.CustomCommand, glide.StringArgs(args...), route)
		defer res.Free()
		if err := res.Error(); err != nil {
			return err
		}
		fmt.Println(res.Response)
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the deployment answers",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()
		start := time.Now()
		res := c.Ping(cmd.Context())
		defer res.Free()
		if err := res.Error(); err != nil {
			return err
		}
		fmt.Printf("%s in %s\n", res.Response, time.Since(start))
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List keys across every primary",
	RunE: func(cmd *cobra.Command, args []string) error {
		match, _ := cmd.Flags().GetString("match")
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()
		cursor := glide.NewScanCursor()
		for !cursor.IsFinished() {
			var keys [][]byte
			cursor, keys, err = c.ClusterScan(cmd.Context(), cursor, glide.ScanOptions{Match: match, Count: 100})
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Println(string(k))
			}
		}
		return nil
	},
}

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Write then read keys concurrently and report errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("count")
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx := cmd.Context()
		var failed atomic.Int64
		run := func(op func(i int) *glide.CommandResult) {
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					res := op(i)
					if err := res.Error(); err != nil {
						failed.Add(1)
						fmt.Fprintln(os.Stderr, "Error:", err)
					}
					res.Free()
				}(i)
			}
			wg.Wait()
		}

		start := time.Now()
		run(func(i int) *glide.CommandResult {
			return c.Set(ctx, strconv.Itoa(i), fmt.Sprintf("value-%d", i))
		})
		run(func(i int) *glide.CommandResult {
			return c.Get(ctx, strconv.Itoa(i))
		})
		fmt.Printf("%d sets and %d gets in %s, %d failed\n", n, n, time.Since(start), failed.Load())
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file (yaml, json or toml)")
	pf.StringSliceP("addresses", "a", []string{"localhost:6379"}, "seed addresses")
	pf.Bool("cluster", false, "connect in cluster mode")
	pf.String("read-from", "primary", "read policy")
	pf.Duration("request-timeout", glide.DefaultRequestTimeout, "per command timeout")
	pf.String("log-level", "warn", "error, warn, info, debug, trace or off")
	bind("addresses", "addresses")
	bind("cluster", "cluster")
	bind("read-from", "read_from")
	bind("request-timeout", "request_timeout")
	bind("log-level", "logger.level")

	execCmd.Flags().String("route", "", "randomNode, allPrimaries, allNodes, primarySlotKey:<key> or host:port")
	scanCmd.Flags().String("match", "", "glob pattern")
	loadCmd.Flags().IntP("count", "n", 100, "keys to write and read")

	rootCmd.AddCommand(execCmd, pingCmd, scanCmd, loadCmd)
}

func bind(flag, key string) {
	if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(64)
	}
}
