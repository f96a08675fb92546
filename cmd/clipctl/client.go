// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// apiError is a non-2xx response decoded from the service error envelope.
type apiError struct {
	Status  int
	Kind    string
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return e.Message
}

// client talks to the clipforged control surface.
type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		// Uploads stream for as long as they need; everything else is
		// bounded per call with a context.
		http: &http.Client{},
	}
}

// do sends one JSON request under /api/v1 and decodes the response into out
// when out is non-nil.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+"/api/v1"+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	return c.decode(resp, out)
}

// upload streams a multipart project create: form fields plus the named
// files, piped so large media never sits in memory.
func (c *client) upload(ctx context.Context, fields map[string]string, files map[string]string, out any) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeMultipart(mw, fields, files))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/projects", pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	return c.decode(resp, out)
}

func writeMultipart(mw *multipart.Writer, fields map[string]string, files map[string]string) error {
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := mw.WriteField(name, value); err != nil {
			return err
		}
	}
	for name, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		part, err := mw.CreateFormFile(name, filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return mw.Close()
}

func (c *client) decode(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apiError{Status: resp.StatusCode}
		var envelope struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err == nil {
			apiErr.Message = envelope.Error
			apiErr.Kind = envelope.Kind
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// requestTimeout bounds the non-upload calls.
const requestTimeout = 30 * time.Second

func callCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, requestTimeout)
}
