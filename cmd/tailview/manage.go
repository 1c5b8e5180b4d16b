package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"tailview/internal/catalog"
	"tailview/internal/config"
)

func newCatalogCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List known data files and task history",
	}
	cmd.AddCommand(newCatalogListCmd(a), newCatalogRemoveCmd(a), newCatalogHistoryCmd(a))
	return cmd
}

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return titleStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}

func newCatalogListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the data files tailview has opened",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.openCatalog()
			if err != nil {
				return err
			}
			logs, err := c.List()
			if err != nil {
				return err
			}
			if len(logs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("no data files"))
				return nil
			}

			rows := make([][]string, 0, len(logs))
			for _, l := range logs {
				rows = append(rows, []string{
					l.DataPath,
					l.Source.String(),
					l.Codec + "/" + l.Compression,
					strconv.FormatUint(l.RecordCount, 10),
					l.LastOpened.Local().Format(time.DateTime),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"PATH", "SOURCE", "FORMAT", "RECORDS", "LAST OPENED"}, rows))
			return nil
		},
	}
}

func newCatalogRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <data-file>",
		Short: "Forget a data file; the file itself is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.openCatalog()
			if err != nil {
				return err
			}
			path, err := filepath.Abs(a.cfg.ResolvePath(args[0]))
			if err != nil {
				return err
			}
			if err := c.Remove(path); err != nil {
				if errors.Is(err, catalog.ErrNotFound) {
					return fmt.Errorf("%s is not in the catalog", path)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", successStyle.Render("removed"), path)
			return nil
		},
	}
}

func newCatalogHistoryCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently run tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.openCatalog()
			if err != nil {
				return err
			}
			records, err := c.History(limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("no task history"))
				return nil
			}

			rows := make([][]string, 0, len(records))
			for _, r := range records {
				state := r.State
				if r.Error != "" {
					state += ": " + r.Error
				}
				rows = append(rows, []string{
					r.Created.Local().Format(time.DateTime),
					r.Name,
					r.Description,
					state,
					r.Duration().Round(time.Millisecond).String(),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"CREATED", "TASK", "DESCRIPTION", "STATE", "DURATION"}, rows))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of tasks to show (0 for all)")
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create the configuration file",
	}

	var format string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.Marshal(a.cfg, format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	showCmd.Flags().StringVarP(&format, "format", "f", "toml", "output format: toml, json or yaml")

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration if no file exists",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = config.ConfigPath()
			}
			_, created, err := config.LoadOrCreate(path)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", successStyle.Render("created"), path)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", mutedStyle.Render("exists"), path)
			}
			return nil
		},
	}

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file location",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			p := a.configPath
			if p == "" {
				p = config.ConfigPath()
			}
			fmt.Fprintln(cmd.OutOrStdout(), p)
		},
	}

	cmd.AddCommand(showCmd, initCmd, pathCmd)
	return cmd
}
