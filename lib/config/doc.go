// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads fetcherd's configuration.
//
// Configuration comes from one file, named by the --config flag or the
// FETCHER_CONFIG environment variable. Files ending in .json or .jsonc
// are parsed as JSON with comments and trailing commas; anything else
// is parsed as YAML. Values not present in the file keep the defaults
// from [Default]. Command-line flags registered with [RegisterFlags]
// override file values, but only for flags the user actually passed.
//
// ${VAR} and ${VAR:-default} references in path-valued fields are
// expanded from the environment after loading.
//
// A minimal file:
//
//	port: 9400
//	database: /var/lib/fetcher/history.db
package config
