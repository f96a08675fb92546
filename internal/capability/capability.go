// SPDX-License-Identifier: MIT

// Package capability holds the adapters for the external tools the pipeline
// delegates to: language models (llm), remote media fetching (downloader),
// speech recognition (transcriber) and frame cutting (cutter). Each
// subpackage exposes a narrow interface, a production adapter and a
// deterministic implementation for tests and offline use.
package capability
