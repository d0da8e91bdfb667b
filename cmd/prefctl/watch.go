package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/IvanBrykalov/prefcache/prefs"
)

func (a *app) watchCmd() *cobra.Command {
	var (
		typ   string
		count int
	)
	cmd := &cobra.Command{
		Use:   "watch [key]...",
		Short: "print keys whenever the store changes, until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handles := make([]prefs.Handle, len(args))
			for i, key := range args {
				h, err := handleFor(key, typ)
				if err != nil {
					return err
				}
				handles[i] = h
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			flow, err := prefs.BatchReadFlow(ctx, a.m, func(s prefs.ReadScope) string {
				parts := make([]string, len(handles))
				for i, h := range handles {
					parts[i] = h.Key() + "=" + formatValue(s.Get(h))
				}
				return strings.Join(parts, " ")
			})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			seen := 0
			for line := range flow {
				fmt.Fprintln(w, line)
				seen++
				if count > 0 && seen >= count {
					cancel()
					break
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "type", "string", "value type: "+strings.Join(valueTypes, ", "))
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many updates (0 = run until interrupted)")
	return cmd
}
