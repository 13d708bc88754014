// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the gateway's configuration.
//
// Values are layered, later layers winning:
//
//  1. [Default]
//  2. a YAML file (or JSON/JSONC, chosen by extension) named by
//     --config or PUSHMATRIX_CONFIG
//  3. the process environment, after an optional .env file is loaded
//     into it; variable names are the historical ones (HOMESERVER,
//     USER_ID, RECEIPIENTS, ...) so existing deployments keep working
//  4. command-line flags the operator actually set
//
// After layering, ${VAR} and ${VAR:-default} references in path fields
// are expanded and [Config.Validate] checks the result.
//
// Secrets given inline (PASSWORD, APP_TOKEN and their flags) land in
// [Config.Password] and [Config.AppToken], which are never read from
// or written to a file. The entrypoint moves them into secret buffers
// and clears the strings.
package config
