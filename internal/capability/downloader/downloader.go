// SPDX-License-Identifier: MIT

// Package downloader fetches remote source media through an external yt-dlp
// subprocess. An outbound host allowlist gates every fetch; unsupported
// platforms are rejected before any process is spawned.
package downloader

import "context"

// ProgressFunc receives download progress as a fraction in [0,1].
type ProgressFunc func(fraction float64)

// Request describes one fetch into a destination directory.
type Request struct {
	URL     string
	DestDir string
	// CookieJar is an optional absolute path to a Netscape cookies.txt used
	// for authenticated platforms.
	CookieJar string
	// OnProgress, when set, is called from the subprocess reader goroutine.
	OnProgress ProgressFunc
}

// Result reports what a completed fetch produced. SubtitlePath and InfoPath
// are empty when the platform offered no captions or metadata sidecar.
type Result struct {
	VideoPath    string
	SubtitlePath string
	InfoPath     string
	Title        string
	Duration     float64 // seconds, zero when unknown
}

// Downloader materialises a remote video and its sidecars on local disk.
type Downloader interface {
	Fetch(ctx context.Context, req Request) (*Result, error)
}
