// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Command devicecerts issues X.509 client certificates for IoT devices and
// serves the device registry.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/relabs-tech/devicecerts/core/logger"
)

var cfg *Config

var rootCmd = &cobra.Command{
	Use:   "devicecerts",
	Short: "IoT device certificate manager",
	Long: `IoT device certificate manager.

devicecerts signs client certificates for devices with a local certificate
authority, packs them into provisioning archives and keeps a registry of
issued devices. The configuration is read from the environment.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig()
		if err != nil {
			return err
		}
		logger.InitLogger(logger.ParseLevel(cfg.LogLevel), cfg.LogFormat)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, reconcileCmd, checkCACmd, issueCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
