// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Pushmatrix relays HTTP notifications into a Matrix room.
//
// Each POST /message request carries a title and a message. In the
// default mode the main account posts "title: message". With
// --per-title every distinct title gets its own Matrix account (created
// on first use, named after the title and given a matching avatar from
// the avatars directory) which posts the message itself.
//
// Configuration layers, lowest first: built-in defaults, the YAML file
// named by --config or PUSHMATRIX_CONFIG, environment variables (a .env
// file is loaded first when present), and command-line flags. The
// shared account password comes from --password, PASSWORD,
// --password-file, or an interactive prompt.
package main
