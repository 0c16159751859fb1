////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Handles command-line recovery key functionality.

package cmd

import (
	"crypto/rand"
	"fmt"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/lattica/client-e2ee/crypto/recovery"
)

func init() {
	recoveryCmd.AddCommand(recoveryValidateCmd)
	recoveryCmd.AddCommand(recoveryGenerateCmd)
	rootCmd.AddCommand(recoveryCmd)
}

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Validate and generate backup recovery keys",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var recoveryValidateCmd = &cobra.Command{
	Use:   "validate [key]",
	Short: "Check that a recovery key is well formed",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key, err := recovery.Decode(args[0])
		if err != nil {
			jww.FATAL.Panicf("Invalid recovery key: %+v", err)
		}
		fmt.Printf("Valid recovery key (%d bytes)\n", len(key))
	},
}

var recoveryGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a fresh recovery key",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		key := make([]byte, recovery.KeyLen)
		if _, err := rand.Read(key); err != nil {
			jww.FATAL.Panicf("Failed to generate key: %+v", err)
		}
		encoded, err := recovery.Encode(key)
		if err != nil {
			jww.FATAL.Panicf("Failed to encode key: %+v", err)
		}
		fmt.Println(encoded)
	},
}
