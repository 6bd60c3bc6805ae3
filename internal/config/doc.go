// Package config handles configuration loading for the council client and
// reference server.
//
// Configuration is one file, YAML by default or TOML when the path ends in
// .toml. Values may reference environment variables as ${VAR_NAME}; unset
// variables expand to the empty string.
//
// The file location is resolved by DefaultPath:
//
//  1. COUNCIL_CONFIG
//  2. $XDG_CONFIG_HOME/coven/council.yaml
//  3. ~/.config/coven/council.yaml
//
// Durations use time.ParseDuration syntax and are parsed after decoding:
//
//	client:
//	  server_url: "wss://council.example.com/ws"
//	  start_timeout: "15s"
//	server:
//	  jwt_secret: "${COUNCIL_JWT_SECRET}"
//	  agent_delay: "750ms"
//
// Load does not validate. The client binary calls ValidateClient and the
// server binary calls ValidateServer, since each only needs its own section.
package config
