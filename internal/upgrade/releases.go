package upgrade

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const releaseRequestTimeout = 10 * time.Second

// ReleaseSource resolves "latest" against the project's release feed and
// serves artifact URLs for explicit versions.
type ReleaseSource struct {
	baseURL string
	client  *http.Client
}

func NewReleaseSource(baseURL string) *ReleaseSource {
	return &ReleaseSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: releaseRequestTimeout},
	}
}

type releaseInfo struct {
	TagName string `json:"tag_name"`
}

// LatestVersion queries the release feed for the newest published tag,
// retrying transient failures with exponential backoff.
func (r *ReleaseSource) LatestVersion(ctx context.Context) (string, error) {
	var tag string

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/latest", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("release feed returned %d", resp.StatusCode)
		}

		var info releaseInfo
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return err
		}
		if info.TagName == "" {
			return backoff.Permanent(fmt.Errorf("release feed returned no tag"))
		}
		tag = info.TagName
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", fmt.Errorf("resolving latest version: %w", err)
	}
	return tag, nil
}

// Reachable probes the release feed without side effects. Used by the
// configuration validator.
func (r *ReleaseSource) Reachable(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/latest", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("release feed returned %d", resp.StatusCode)
	}
	return nil
}

// ArtifactURL returns the download location of a version's release tarball.
func (r *ReleaseSource) ArtifactURL(version string) string {
	return fmt.Sprintf("%s/download/%s/meshmon-%s-linux-amd64.tar.gz", r.baseURL, version, version)
}

// ChecksumURL returns the location of a version's artifact checksum.
func (r *ReleaseSource) ChecksumURL(version string) string {
	return r.ArtifactURL(version) + ".sha256"
}
