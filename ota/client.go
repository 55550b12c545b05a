package ota

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// VersionInfo is the update server's answer to GET /version.
type VersionInfo struct {
	CurrentVersion string `json:"current_version"`
	LatestVersion  string `json:"latest_version"`
	DownloadURL    string `json:"download_url"`
	SHA256         string `json:"sha256"`
}

// statusReport is the body of POST /ota/status.
type statusReport struct {
	DeviceID string `json:"device_id"`
	Status   string `json:"status"`
	Version  string `json:"version"`
	Error    string `json:"error,omitempty"`
}

// Client talks to the update server: version queries, image download, and
// terminal status reports.
type Client struct {
	base     string
	deviceID string
	timeout  time.Duration
	http     *http.Client
	stream   *http.Client
}

// NewClient builds a client for the server at base. The timeout bounds the
// version and status calls whole; a download may run longer than the timeout
// overall, but every chunk of it must make progress within the timeout.
func NewClient(base, deviceID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:     strings.TrimRight(base, "/"),
		deviceID: deviceID,
		timeout:  timeout,
		http:     &http.Client{Timeout: timeout},
		stream: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
				ResponseHeaderTimeout: timeout,
			},
		},
	}
}

// Version queries the update server for the latest firmware version.
func (c *Client) Version(ctx context.Context) (VersionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/version", nil)
	if err != nil {
		return VersionInfo{}, fmt.Errorf("ota: version request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return VersionInfo{}, fmt.Errorf("ota: version check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return VersionInfo{}, fmt.Errorf("ota: version check status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return VersionInfo{}, fmt.Errorf("ota: version body: %w", err)
	}
	var info VersionInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return VersionInfo{}, fmt.Errorf("ota: version decode: %w", err)
	}
	return info, nil
}

// Download streams the image at url into region in chunkBytes pieces. The
// gate runs before every chunk write; a gate error aborts the download with
// the partial write discarded by the caller. A watchdog cancels the request
// when no chunk completes within the client timeout, so a stalled server can
// never hang the session past the next suspension point. Returns bytes
// written.
func (c *Client) Download(ctx context.Context, url string, region FlashRegion, chunkBytes int, gate func() error) (int64, error) {
	if chunkBytes <= 0 {
		chunkBytes = 4096
	}
	if strings.HasPrefix(url, "/") {
		url = c.base + url
	}
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("ota: download request: %w", err)
	}
	// No whole-transfer timeout; large images over slow links are fine as
	// long as each chunk keeps arriving.
	resp, err := c.stream.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ota: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("ota: download status %d", resp.StatusCode)
	}

	watchdog := time.AfterFunc(c.timeout, cancel)
	defer watchdog.Stop()

	var total int64
	buf := make([]byte, chunkBytes)
	for {
		if err := parent.Err(); err != nil {
			return total, fmt.Errorf("ota: download cancelled: %w", err)
		}
		if gate != nil {
			if err := gate(); err != nil {
				return total, err
			}
		}
		n, err := io.ReadFull(resp.Body, buf)
		watchdog.Reset(c.timeout)
		if n > 0 {
			if werr := region.WriteChunk(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return total, nil
		}
		if err != nil {
			if ctx.Err() != nil && parent.Err() == nil {
				return total, fmt.Errorf("ota: download stalled, no data for %s", c.timeout)
			}
			return total, fmt.Errorf("ota: download read: %w", err)
		}
	}
}

// ReportStatus posts a terminal session outcome to the update server.
// Best-effort: the caller logs failures but does not retry.
func (c *Client) ReportStatus(ctx context.Context, status, version, errMsg string) error {
	body, err := json.Marshal(statusReport{
		DeviceID: c.deviceID,
		Status:   status,
		Version:  version,
		Error:    errMsg,
	})
	if err != nil {
		return fmt.Errorf("ota: status encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/ota/status", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ota: status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ota: status post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ota: status post rejected with %d", resp.StatusCode)
	}
	return nil
}
