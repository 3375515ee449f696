// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/relabs-tech/devicecerts/iot/pki/ca"
	"github.com/relabs-tech/devicecerts/iot/pki/issuance"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Remove files of unregistered devices once and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, nil)
		if err != nil {
			return err
		}
		defer a.Close()
		removed, err := a.service.Reconcile(cmd.Context())
		if err != nil {
			return err
		}
		if len(removed) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to remove")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed files of %d devices: %s\n", len(removed), strings.Join(removed, ", "))
		return nil
	},
}

var checkCACmd = &cobra.Command{
	Use:   "check-ca",
	Short: "Check the certificate authority files and print the CA subject",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := ca.Open(ca.Config{Dir: cfg.CADir, RepairKeyMode: cfg.CAKeyRepair})
		if err != nil {
			return err
		}
		cert := store.Certificate()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "subject:     %s\n", cert.Subject)
		fmt.Fprintf(out, "valid until: %s\n", cert.NotAfter.UTC().Format("2006-01-02 15:04:05 MST"))
		fmt.Fprintf(out, "certificate: %s\n", store.CertFile())
		fmt.Fprintf(out, "key:         %s\n", store.KeyFile())
		return nil
	},
}

var issueCmd = &cobra.Command{
	Use:   "issue <device>",
	Short: "Issue a certificate for a device and register it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, nil)
		if err != nil {
			return err
		}
		defer a.Close()
		record, err := a.service.Create(cmd.Context(), issuance.NormalizeIdentifier(args[0]))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "device:  %s\n", record.Name)
		fmt.Fprintf(out, "serial:  %s\n", record.Serial)
		fmt.Fprintf(out, "expires: %s\n", record.NotAfter.Format("2006-01-02"))
		fmt.Fprintf(out, "archive: %s\n", record.ZipPath)
		return nil
	},
}
