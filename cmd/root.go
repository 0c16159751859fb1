////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package cmd initializes the CLI and config parsers as well as the logger.
package cmd

import (
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"gitlab.com/lattica/client-e2ee/storage"
)

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to
// happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// rootCmd represents the base command when called without any subcommands.
// On its own it opens the session store and prints the device identity.
var rootCmd = &cobra.Command{
	Use:   "client-e2ee",
	Short: "Inspects and manages an encrypted session store",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		initLog(viper.GetUint(logLevelFlag), viper.GetString(logFlag))

		store := openStore()
		fmt.Printf("User:         %s\n", store.UserID())
		fmt.Printf("Device:       %s\n", store.DeviceID())
		fmt.Printf("Identity key: %s\n", store.IdentityKey())
		fmt.Printf("Signing key:  %s\n", store.SigningKey())
		fmt.Printf("Room keys:    %d\n", store.InboundGroup.Count())
	},
}

// openStore opens the session store selected by the session, userID,
// deviceID, and password flags. Fatal on any failure; every subcommand
// needs a store to be useful.
func openStore() *storage.Store {
	registry := storage.NewRegistry(viper.GetString(sessionFlag))
	store, err := registry.Open(viper.GetString(userIDFlag),
		viper.GetString(deviceIDFlag), viper.GetString(passwordFlag),
		rand.Reader)
	if err != nil {
		jww.FATAL.Panicf("Failed to open session store: %+v", err)
	}
	return store
}

// init is the initialization function for Cobra which defines commands
// and flags.
func init() {
	// NOTE: The point of init() is to be declarative. There is one
	// exception where we call to the flags library, in order to
	// take compiled and command line options into consideration.
	// ensure all the Flags are of the *P variety, even if they don't have an
	// alphabetical shortcut, to maintain declarative consistency.

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().UintP(logLevelFlag, "v", 0,
		"Verbose mode for debugging")
	viper.BindPFlag(logLevelFlag,
		rootCmd.PersistentFlags().Lookup(logLevelFlag))

	rootCmd.PersistentFlags().StringP(logFlag, "l", "-",
		"Path to the log output path, defaults to stdout")
	viper.BindPFlag(logFlag, rootCmd.PersistentFlags().Lookup(logFlag))

	rootCmd.PersistentFlags().StringP(sessionFlag, "s", "",
		"Sets the storage directory for client session data")
	viper.BindPFlag(sessionFlag,
		rootCmd.PersistentFlags().Lookup(sessionFlag))

	rootCmd.PersistentFlags().StringP(userIDFlag, "u", "",
		"User identity the session store belongs to")
	viper.BindPFlag(userIDFlag,
		rootCmd.PersistentFlags().Lookup(userIDFlag))

	rootCmd.PersistentFlags().StringP(deviceIDFlag, "d", "",
		"Device identity the session store belongs to")
	viper.BindPFlag(deviceIDFlag,
		rootCmd.PersistentFlags().Lookup(deviceIDFlag))

	rootCmd.PersistentFlags().StringP(passwordFlag, "p", "",
		"Password to the session store")
	viper.BindPFlag(passwordFlag,
		rootCmd.PersistentFlags().Lookup(passwordFlag))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {}

// initLog initializes logging thresholds and the log path.
func initLog(threshold uint, logPath string) {
	if logPath != "-" && logPath != "" {
		// Disable stdout output
		jww.SetStdoutOutput(io.Discard)
		// Use log file
		logOutput, err := os.OpenFile(logPath,
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Printf("Could not open log file %s: %+v\n",
				logPath, err)
			os.Exit(1)
		}
		jww.SetLogOutput(logOutput)
	}

	if threshold > 1 {
		// Turn on trace logs
		jww.SetLogThreshold(jww.LevelTrace)
		jww.SetStdoutThreshold(jww.LevelTrace)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	} else if threshold == 1 {
		// Turn on debugging logs
		jww.SetLogThreshold(jww.LevelDebug)
		jww.SetStdoutThreshold(jww.LevelDebug)
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	} else {
		// Turn on info logs
		jww.SetLogThreshold(jww.LevelInfo)
		jww.SetStdoutThreshold(jww.LevelInfo)
	}
}
