package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/plugmon/signal"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED")).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	presentStyle = cellStyle.Foreground(lipgloss.Color("#10B981"))
	absentStyle  = cellStyle.Foreground(lipgloss.Color("#6B7280"))
	borderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

type moduleRow struct {
	Slug    string   `json:"slug"`
	Version string   `json:"version"`
	Active  bool     `json:"active"`
	Used    bool     `json:"used"`
	Present []string `json:"present"`
}

func (a *app) listCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List modules with the signals found for each",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, _, err := a.open()
			if err != nil {
				return err
			}
			defer m.Close()
			ctx := cmd.Context()

			mods, err := m.Aggregator().Modules(ctx)
			if err != nil {
				return err
			}
			rows := make([]moduleRow, 0, len(mods))
			for _, mod := range mods {
				fp, err := m.Aggregator().Fingerprint(ctx, mod.Slug)
				if err != nil {
					return err
				}
				row := moduleRow{Slug: mod.Slug, Version: mod.Version, Active: mod.Active, Used: fp.Used(), Present: []string{}}
				for _, k := range signal.Kinds {
					if fp[k].State == signal.Present {
						row.Present = append(row.Present, string(k))
					}
				}
				rows = append(rows, row)
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), rows)
			}
			t := newTable("SLUG", "VERSION", "ACTIVE", "USED", "SIGNALS")
			for _, r := range rows {
				t.Row(r.Slug, r.Version, yesNo(r.Active), yesNo(r.Used), strings.Join(r.Present, ", "))
			}
			t.StyleFunc(func(row, col int) lipgloss.Style {
				switch {
				case row == table.HeaderRow:
					return headerStyle
				case col == 3 && rows[row].Used:
					return presentStyle
				case col == 3:
					return absentStyle
				}
				return cellStyle
			})
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (a *app) fingerprintCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "fingerprint <slug>",
		Short: "Show every signal verdict of one module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := a.open()
			if err != nil {
				return err
			}
			defer m.Close()

			fp, err := m.Aggregator().Fingerprint(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), fp)
			}

			t := newTable("SIGNAL", "STATE", "CONFIDENCE", "OBSERVED")
			for _, k := range signal.Kinds {
				v := fp[k]
				conf, seen := "", ""
				if v.State != signal.Unknown {
					conf = v.Confidence.String()
					seen = v.ObservedAt.Local().Format(time.DateTime)
				}
				t.Row(string(k), v.State.String(), conf, seen)
			}
			t.StyleFunc(func(row, col int) lipgloss.Style {
				switch {
				case row == table.HeaderRow:
					return headerStyle
				case col == 1 && fp[signal.Kinds[row]].State == signal.Present:
					return presentStyle
				case col == 1 && fp[signal.Kinds[row]].State == signal.Absent:
					return absentStyle
				}
				return cellStyle
			})
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (a *app) scanCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "scan [slug]",
		Short: "Run a full content scan now, for one module or every active one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("give a module slug or --all")
			}
			m, _, err := a.open()
			if err != nil {
				return err
			}
			defer m.Close()
			ctx := cmd.Context()

			slugs := args
			if all {
				mods, err := m.Aggregator().Modules(ctx)
				if err != nil {
					return err
				}
				slugs = nil
				for _, mod := range mods {
					if mod.Active {
						slugs = append(slugs, mod.Slug)
					}
				}
			}
			for _, slug := range slugs {
				res, err := m.Scan(ctx, slug)
				if err != nil {
					return fmt.Errorf("scan %s: %w", slug, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d items, complete=%v, %s\n",
					slug, res.Items, res.Complete, res.Duration.Round(time.Millisecond))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "scan every active module")
	return cmd
}

func (a *app) resetCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reset [slug]",
		Short: "Clear collected evidence for one module, or everything with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("give a module slug or --all")
			}
			m, _, err := a.open()
			if err != nil {
				return err
			}
			defer m.Close()

			slug := ""
			if len(args) == 1 {
				slug = args[0]
			}
			if err := m.Reset(cmd.Context(), slug); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "evidence cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reset every module")
	return cmd
}

func hashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print the bcrypt hash of an operator token for admin_token_hash",
		Long:  "Print the bcrypt hash of an operator token. Without an argument the token is read from the first line of stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				token = strings.TrimSpace(line)
			}
			if token == "" {
				return errors.New("empty token")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
