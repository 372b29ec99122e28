// Package api holds HTTP client plumbing shared by the fetch worker and
// preview downloads.
package api

import (
	"bufio"
	"fmt"
	"net/http"
	"net/http/httputil"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// LoggingTransport wraps an http.RoundTripper to log outbound requests to
// model sources. Bodies are never logged (they are multi-gigabyte model
// files); credentials are redacted before anything hits the log file.
type LoggingTransport struct {
	Transport http.RoundTripper
	logFile   *os.File
	mu        sync.Mutex
	writer    *bufio.Writer
}

// NewLoggingTransport opens the log file for appending and wraps transport.
// A nil transport falls back to http.DefaultTransport.
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open HTTP log file %s: %w", logFilePath, err)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &LoggingTransport{
		Transport: transport,
		logFile:   f,
		writer:    bufio.NewWriter(f),
	}, nil
}

// RoundTrip executes the transaction, logging redacted request and response
// headers with timing.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	logged := redact(req)
	reqDump, dumpErr := httputil.DumpRequestOut(logged, false)
	if dumpErr != nil {
		log.WithError(dumpErr).Debug("Could not dump request for logging")
	}

	resp, err := t.Transport.RoundTrip(req)
	duration := time.Since(start)

	t.mu.Lock()
	defer t.mu.Unlock()

	if dumpErr == nil {
		t.writeLog(fmt.Sprintf("--- Request (%s) ---\n%s", start.Format(time.RFC3339), string(reqDump)))
	}
	if err != nil {
		t.writeLog(fmt.Sprintf("--- Response Error (duration %v) ---\n%s\n", duration, err.Error()))
	} else if respDump, derr := httputil.DumpResponse(resp, false); derr == nil {
		t.writeLog(fmt.Sprintf("--- Response (duration %v) ---\n%s", duration, string(respDump)))
	} else {
		t.writeLog(fmt.Sprintf("--- Response (duration %v) ---\nStatus: %s\n", duration, resp.Status))
	}
	t.writer.Flush()

	return resp, err
}

// redact returns a shallow copy of the request with the Authorization header
// and the Civitai token query parameter masked.
func redact(req *http.Request) *http.Request {
	clone := req.Clone(req.Context())
	if clone.Header.Get("Authorization") != "" {
		clone.Header.Set("Authorization", "Bearer [redacted]")
	}
	if q := clone.URL.Query(); q.Get("token") != "" {
		q.Set("token", "[redacted]")
		u := *clone.URL
		u.RawQuery = q.Encode()
		clone.URL = &u
	}
	return clone
}

func (t *LoggingTransport) writeLog(entry string) {
	if _, err := t.writer.WriteString(entry + "\n\n"); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing to HTTP log file: %v\n", err)
	}
}

// Close flushes and closes the underlying log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	errFlush := t.writer.Flush()
	errClose := t.logFile.Close()
	if errFlush != nil {
		return fmt.Errorf("failed to flush HTTP log buffer: %w", errFlush)
	}
	return errClose
}
