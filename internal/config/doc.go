// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads, validates, saves, and hot-reloads the skiff
// configuration.
//
// # Key Types
//
//   - Config: the full configuration tree with TOML and JSON tags
//   - Watcher: fsnotify-based reload on file change
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil { ... }
//	w, _ := config.NewWatcher(path, func(next *config.Config) {
//		config.SetGlobal(next)
//	}, log)
//	defer w.Close()
package config
