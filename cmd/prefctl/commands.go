package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/IvanBrykalov/prefcache/prefs"
)

// valueTypes are the --type names accepted by get, set and watch.
var valueTypes = []string{"string", "int", "int64", "bool", "float", "set", "json"}

// handleFor declares an ad-hoc preference for key.
func handleFor(key, typ string) (prefs.Handle, error) {
	switch typ {
	case "", "string":
		return prefs.String(key, ""), nil
	case "int":
		return prefs.Int(key, 0), nil
	case "int64":
		return prefs.Int64(key, 0), nil
	case "bool":
		return prefs.Bool(key, false), nil
	case "float":
		return prefs.Float64(key, 0), nil
	case "set":
		return prefs.StringSet(key), nil
	case "json":
		return prefs.JSON[any](key, nil), nil
	default:
		return nil, fmt.Errorf("unknown type %q (use one of %s)", typ, strings.Join(valueTypes, ", "))
	}
}

// parseValue converts command-line text to the Go type of typ.
func parseValue(typ, text string) (any, error) {
	switch typ {
	case "", "string":
		return text, nil
	case "int":
		return strconv.Atoi(text)
	case "int64":
		return strconv.ParseInt(text, 10, 64)
	case "bool":
		return strconv.ParseBool(text)
	case "float":
		return strconv.ParseFloat(text, 64)
	case "set":
		if text == "" {
			return []string{}, nil
		}
		return strings.Split(text, ","), nil
	case "json":
		var v any
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		_, err := handleFor("", typ)
		return nil, err
	}
}

// formatValue renders strings verbatim and everything else as JSON.
func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func (a *app) getCmd() *cobra.Command {
	var typ string
	cmd := &cobra.Command{
		Use:   "get [key]...",
		Short: "print the values of keys from one snapshot",
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

			type result struct {
				value any
				set   bool
			}
			res, err := prefs.BatchGet(cmd.Context(), a.m, func(s prefs.ReadScope) []result {
				out := make([]result, len(handles))
				for i, h := range handles {
					out[i] = result{value: s.Get(h), set: s.Contains(h)}
				}
				return out
			})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			var missing []string
			for i, r := range res {
				if !r.set {
					missing = append(missing, args[i])
					continue
				}
				if len(args) == 1 {
					fmt.Fprintln(w, formatValue(r.value))
				} else {
					fmt.Fprintf(w, "%s=%s\n", args[i], formatValue(r.value))
				}
			}
			if len(missing) > 0 {
				return fmt.Errorf("not set: %s", strings.Join(missing, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "type", "string", "value type: "+strings.Join(valueTypes, ", "))
	return cmd
}

func (a *app) setCmd() *cobra.Command {
	var typ string
	cmd := &cobra.Command{
		Use:   "set [key] [value]",
		Short: "set the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := handleFor(args[0], typ)
			if err != nil {
				return err
			}
			v, err := parseValue(typ, args[1])
			if err != nil {
				return fmt.Errorf("value for %s: %w", args[0], err)
			}
			if err := a.m.Set(cmd.Context(), h, v); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "set successfully")
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "type", "string", "value type: "+strings.Join(valueTypes, ", "))
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete [key]...",
		Aliases: []string{"del"},
		Short:   "delete keys in one transaction",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			handles := make([]prefs.Handle, len(args))
			for i, key := range args {
				handles[i] = prefs.String(key, "")
			}
			if err := a.m.BatchDelete(cmd.Context(), handles...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d key(s)\n", len(args))
			return nil
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "list every stored key and its text value",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			all, err := a.m.Export(cmd.Context(), true, true)
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(all))
			for k := range all {
				if strings.HasPrefix(k, prefix) {
					keys = append(keys, k)
				}
			}
			sort.Strings(keys)
			w := cmd.OutOrStdout()
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%s\n", k, formatValue(all[k]))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only keys with this prefix")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var private, appState bool
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "write the store as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := a.m.Export(cmd.Context(), private, appState)
			if err != nil {
				return err
			}
			body, err := json.MarshalIndent(data, "", "  ")
			if err != nil {
				return err
			}
			body = append(body, '\n')
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(body)
				return err
			}
			return os.WriteFile(output, body, 0o600)
		},
	}
	cmd.Flags().BoolVar(&private, "private", false, "include private: keys")
	cmd.Flags().BoolVar(&appState, "app-state", false, "include appstate: keys")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func (a *app) importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "merge a JSON export into the store (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			dec := json.NewDecoder(r)
			dec.UseNumber()
			var data map[string]any
			if err := dec.Decode(&data); err != nil {
				return fmt.Errorf("import: %w", err)
			}

			res, err := a.m.Import(cmd.Context(), data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d key(s)\n", res.Imported)
			if len(res.Skipped) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "skipped: %s\n", strings.Join(res.Skipped, ", "))
			}
			return nil
		},
	}
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "print store and cache information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := a.st.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			var private, appState int
			for _, k := range snap.Keys() {
				switch {
				case prefs.IsPrivateKey(k):
					private++
				case prefs.IsAppStateKey(k):
					appState++
				}
			}
			cs := a.m.CacheStats()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "backend=%s version=%d keys=%d private=%d appstate=%d\n",
				a.cfg.Store.Backend, snap.Version(), snap.Len(), private, appState)
			fmt.Fprintf(w, "cache policy=%s size=%d segments=%d len=%d hits=%d misses=%d evictions=%d\n",
				a.cfg.Cache.Policy, a.cfg.Cache.Size, a.cfg.Cache.Segments, a.m.CacheLen(),
				cs.Hits, cs.Misses, cs.Evictions)
			return nil
		},
	}
}
