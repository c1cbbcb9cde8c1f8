// Copyright (c) 2022-present, DiceDB contributors
// All rights reserved. Licensed under the BSD 3-Clause License. See LICENSE file in the project root for full license information.

//go:build linux

package config

// MetadataDir holds the engine's config and working state, resolved under
// the current working directory unless already absolute (see
// configureMetadataDir). The variable is still a var so tests or advanced
// deployments can override it.
var MetadataDir = ".archive_meta"
