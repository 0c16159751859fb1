////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Handles command-line room key export and import.

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"gitlab.com/lattica/client-e2ee/e2e"
	"gitlab.com/lattica/client-e2ee/event"
	"gitlab.com/lattica/client-e2ee/export"
	"gitlab.com/lattica/client-e2ee/transport"
)

func init() {
	keysCmd.PersistentFlags().StringP(keyFileFlag, "f", "room-keys.bin",
		"Path to the room key export file")
	viper.BindPFlag(keyFileFlag,
		keysCmd.PersistentFlags().Lookup(keyFileFlag))

	keysCmd.PersistentFlags().StringP(keyPassphraseFlag, "k", "",
		"Passphrase protecting the room key export file")
	viper.BindPFlag(keyPassphraseFlag,
		keysCmd.PersistentFlags().Lookup(keyPassphraseFlag))

	keysCmd.AddCommand(keysExportCmd)
	keysCmd.AddCommand(keysImportCmd)
	rootCmd.AddCommand(keysCmd)
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Export and import room decryption keys",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var keysExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write all inbound room keys to a passphrase-protected file",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		initLog(viper.GetUint(logLevelFlag), viper.GetString(logFlag))

		store := openStore()
		blob, err := export.Export(store,
			viper.GetString(keyPassphraseFlag))
		if err != nil {
			jww.FATAL.Panicf("Failed to export room keys: %+v", err)
		}

		path := viper.GetString(keyFileFlag)
		if err = os.WriteFile(path, blob, 0600); err != nil {
			jww.FATAL.Panicf("Failed to write %q: %+v", path, err)
		}
		fmt.Printf("Exported %d room keys to %s\n",
			store.InboundGroup.Count(), path)
	},
}

var keysImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import room keys from a passphrase-protected export file",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		initLog(viper.GetUint(logLevelFlag), viper.GetString(logFlag))

		path := viper.GetString(keyFileFlag)
		blob, err := os.ReadFile(path)
		if err != nil {
			jww.FATAL.Panicf("Failed to read %q: %+v", path, err)
		}

		store := openStore()
		// Importing only touches local storage, so the manager runs
		// against a throwaway in-memory server.
		m, err := e2e.NewManager(store,
			transport.NewMemServer().Session(store.UserID(),
				store.DeviceID()),
			event.NewManager(), e2e.GetDefaultParams())
		if err != nil {
			jww.FATAL.Panicf("Failed to initialize: %+v", err)
		}

		total, imported, err := export.Import(m, blob,
			viper.GetString(keyPassphraseFlag))
		if err != nil {
			jww.FATAL.Panicf("Failed to import room keys: %+v", err)
		}
		fmt.Printf("Imported %d of %d room keys from %s\n",
			imported, total, path)
	},
}
