// Package commands implements the sessionctl command tree.
//
//	sessionctl run              drive a simulated session and log every stream
//	sessionctl health           run one node-registration health check
//	sessionctl backup decrypt   open an encrypted backup blob
//
// The configuration file is taken from --config, then MIXSESSION_CONFIG
// (a .env file in the working directory is honoured), then the built-in
// defaults.
package commands
