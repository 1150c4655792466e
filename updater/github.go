package updater

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
)

const defaultReleaseURL = "https://api.github.com/repos/cloudflare/cloudflared/releases/latest"

// githubRelease is the subset of the GitHub release payload the updater
// reads.
type githubRelease struct {
	TagName string         `json:"tag_name"`
	Body    string         `json:"body"`
	Assets  []releaseAsset `json:"assets"`
}

type releaseAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

func (r *githubRelease) asset(name string) *releaseAsset {
	for i := range r.Assets {
		if r.Assets[i].Name == name {
			return &r.Assets[i]
		}
	}
	return nil
}

// releaseClient fetches release metadata from the GitHub API.
type releaseClient struct {
	url    string
	client *http.Client
}

func newReleaseClient(client *http.Client) *releaseClient {
	return &releaseClient{url: defaultReleaseURL, client: client}
}

func (c *releaseClient) latest(ctx context.Context) (*githubRelease, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build release request")
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "tuinnel")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch latest release")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("release endpoint returned status %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, errors.Wrap(err, "failed to decode release metadata")
	}
	if release.TagName == "" {
		return nil, errors.New("release metadata has no tag")
	}
	return &release, nil
}
