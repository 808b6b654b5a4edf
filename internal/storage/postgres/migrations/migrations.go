// Copyright (c) 2025 Mate Community
//
// This file is part of mate-auth.
//
// mate-auth is licensed under the GNU Affero General Public License v3.0.
// See https://www.gnu.org/licenses/agpl-3.0.html

// Package migrations embeds the goose SQL migrations for the auth schema.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
