// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingress is the HTTP surface of the gateway. It accepts
// notifications on POST /message, serves a small status page on GET /,
// and reports background sync liveness on GET /health.
//
// The package owns transport concerns only: body size limits, rate
// limiting, content types, and server lifecycle. Validation, token
// checks, and delivery belong to [gateway.Router].
package ingress
