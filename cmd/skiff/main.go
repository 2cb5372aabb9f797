// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// skiff is a terminal chat client for streaming AI servers.
package main

import "github.com/jeranaias/skiff/internal/cli"

func main() {
	cli.Execute()
}
