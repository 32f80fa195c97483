// Copyright 2026 The Pieceline Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Pieceline
// components.
//
// Configuration is loaded from a single YAML file specified by the
// PIECELINE_CONFIG environment variable or an explicit --config flag.
// There are no fallbacks or automatic discovery: this keeps
// configuration deterministic and auditable.
//
// The file may contain environment-specific sections (development,
// staging, production) that override base values when the environment
// matches, and ${VAR} / ${VAR:-default} references in paths are
// expanded for portability.
package config
