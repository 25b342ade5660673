// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Query-farm/wart-worker/config"
	"github.com/Query-farm/wart-worker/wartrpc"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wartd",
		Short:         "Session-scoped program execution worker",
		Long:          `wartd hosts sessions that each hold a sandboxed program and a key/value store, and serves them over the wart_rpc protocol.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newDescribeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	v := config.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve sessions on the configured transports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "YAML config file")
	flags.Bool("stdio", false, "serve one client on stdin/stdout")
	flags.String("unix", "", "serve on a unix socket at this path")
	flags.String("http", "", "serve HTTP on this address, e.g. :8080")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.Bool("debug-errors", false, "send stack traces to clients")
	bindFlags(v, cmd, map[string]string{
		"stdio":        "server.stdio",
		"unix":         "server.unix",
		"http":         "server.http",
		"log-level":    "log.level",
		"debug-errors": "server.debug_errors",
	})
	return cmd
}

// bindFlags makes explicitly set flags override the file and environment.
func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for flag, key := range keys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", flag, err))
		}
	}
}

func newDescribeCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "describe",
		Short: "List the methods a running worker exposes over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := wartrpc.NewHttpClient(url)
			if err != nil {
				return err
			}
			return describe(cmd.Context(), client, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8080/wart", "worker base URL")
	return cmd
}

func describe(ctx context.Context, c wartrpc.Caller, out io.Writer) error {
	methods, err := c.Describe(ctx)
	if err != nil {
		return err
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i].Name < methods[j].Name })

	table := tablewriter.NewWriter(out)
	table.Header("Method", "Type", "Params", "Doc")
	for _, m := range methods {
		var params []string
		if m.ParamsSchema != nil {
			for _, f := range m.ParamsSchema.Fields() {
				params = append(params, f.Name+" "+m.ParamTypes[f.Name])
			}
		}
		table.Append(m.Name, m.Type, strings.Join(params, ", "), m.Doc)
	}
	table.Render()
	return nil
}
