// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/routingml/services/routing/registry"
)

var (
	versionsLimit int

	versionsCmd = &cobra.Command{
		Use:   "versions",
		Short: "Inspect and activate registered model versions",
	}
	versionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List registered versions, newest first",
		Args:  cobra.NoArgs,
		RunE:  runVersionsList,
	}
	versionsActivateCmd = &cobra.Command{
		Use:   "activate <name>",
		Short: "Make a version the one served",
		Args:  cobra.ExactArgs(1),
		RunE:  runVersionsActivate,
	}
	versionsRollbackCmd = &cobra.Command{
		Use:   "rollback",
		Short: "Reactivate the most recently activated other version",
		Args:  cobra.NoArgs,
		RunE:  runVersionsRollback,
	}
	versionsActiveCmd = &cobra.Command{
		Use:   "active",
		Short: "Show the active version",
		Args:  cobra.NoArgs,
		RunE:  runVersionsActive,
	}
)

func init() {
	versionsListCmd.Flags().IntVar(&versionsLimit, "limit", 20, "maximum rows")
	versionsCmd.AddCommand(versionsListCmd, versionsActivateCmd, versionsRollbackCmd, versionsActiveCmd)
}

func runVersionsList(cmd *cobra.Command, _ []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()
	vs, err := reg.List(cmd.Context(), versionsLimit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tACTIVE\tCREATED\tARTIFACTS")
	for _, v := range vs {
		active := ""
		if v.ActiveFlag {
			active = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", v.Name, v.Status, active,
			v.CreatedAt.Format(time.RFC3339), v.ArtifactDir)
	}
	return tw.Flush()
}

func runVersionsActivate(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()
	v, err := reg.Activate(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out.Success("activated %s", v.Name)
	return printVersion(v)
}

func runVersionsRollback(cmd *cobra.Command, _ []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()
	v, err := reg.Rollback(cmd.Context())
	if err != nil {
		return err
	}
	out.Success("rolled back to %s", v.Name)
	return printVersion(v)
}

func runVersionsActive(cmd *cobra.Command, _ []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()
	v, err := reg.GetActive(cmd.Context())
	if err != nil {
		return err
	}
	if v == nil {
		out.Warning("no active version")
		return nil
	}
	return printVersion(v)
}

func printVersion(v *registry.Version) error {
	return printJSON(os.Stdout, v)
}
