// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway relays push notifications into a single encrypted
// Matrix room.
//
// A [Gateway] owns the main identity (the configured bot account), the
// resolved room, and the components that keep the homeserver in the
// shape the gateway needs:
//
//   - [Registry] maps a notification title to a virtual identity: one
//     Matrix account per distinct title, logged in or registered on
//     first use and cached for the life of the process.
//   - [RoomCoordinator] finds or creates the room by name, invites
//     missing recipients, and brings virtual identities into the room.
//   - [AvatarSynchronizer] uploads an identity's avatar from the avatar
//     directory only when the remote image differs.
//   - [Router] validates inbound requests and dispatches them either as
//     the title's own identity or as the main identity with the title
//     in bold.
//
// All reconciliation is idempotent: re-running any step against a
// homeserver that already has the desired state makes no changes.
//
// The protocol is reached through the [Session] and [Connector]
// interfaces; [NewMatrixConnector] adapts package messaging to them,
// and tests substitute an in-memory fake.
package gateway
