////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package cmd

// CLI flag name constants, organized by subcommand with root level flags at
// the top. Pulling flags using Viper should use the constants defined here.
const (
	//////////////// Root flags ///////////////////////////////////////////////

	// Log flags
	logLevelFlag = "logLevel"
	logFlag      = "log"

	// Session store flags
	sessionFlag  = "session"
	userIDFlag   = "userID"
	deviceIDFlag = "deviceID"
	passwordFlag = "password"

	///////////////// Keys subcommand flags ///////////////////////////////////
	keyFileFlag       = "file"
	keyPassphraseFlag = "passphrase"
)
