// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is the gateway's Matrix client-server API client.
//
// [Client] is unauthenticated and holds the homeserver URL and HTTP
// transport. It logs in (password, optionally reusing a device ID) and
// registers accounts through the user-interactive authentication flow,
// completing either the m.login.dummy stage or the
// m.login.registration_token stage when a token is configured. Both
// return a [DirectSession].
//
// [DirectSession] is a stateless authenticated handle: rooms, messages,
// profiles, media, device keys and logout map one-to-one onto HTTP
// calls. Its access token lives in a secret.Buffer.
//
// [Account] wraps a DirectSession with the state a long-lived client
// keeps between calls: the sync token, a summary of joined and invited
// rooms built from /sync, the device-list tracking set, and this
// device's Ed25519/Curve25519 keys with their one-time keys. Account
// exposes the pending-work predicates (ShouldUploadKeys,
// ShouldQueryKeys, ShouldClaimKeys) and the matching actions. Account
// methods are safe for concurrent use; HTTP calls run without holding
// the state lock, so a long-poll sync never blocks a send.
//
// [Connector] turns a localpart into an Account, restoring and
// persisting device state through a [DeviceStore].
//
// Errors from the homeserver are [*MatrixError] values carrying the
// errcode and HTTP status. [KindOf] collapses any error into the closed
// [ErrorKind] set that callers branch on; Login reports an unknown
// account as [KindAccountNotFound].
package messaging
