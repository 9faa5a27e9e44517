// Package restapi is the thin HTTP glue a session uses for the
// operations that aren't part of the publication pipeline: saving a
// snapshot of the bundle, uploading an asset blob, and downloading a
// previously saved snack. None of it retries or backs off; a failure is
// surfaced to the caller as-is, per the save/download non-goal in the
// external interfaces contract.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultHost is the standard editor host used when a session does not
// override it at construction.
const DefaultHost = "https://snack.expo.dev"

// Client talks to the save/asset-upload/download endpoints of the Expo
// API underlying a session.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Token      string
}

// New returns a Client targeting baseURL (the expoApiUrl configuration
// option), optionally authenticated with a bearer token.
func New(baseURL, token string) *Client {
	return &Client{BaseURL: baseURL, HTTPClient: http.DefaultClient, Token: token}
}

// Manifest is the session metadata half of a save request.
type Manifest struct {
	SDKVersion   string            `json:"sdkVersion"`
	Name         string            `json:"name,omitempty"`
	Description  string            `json:"description,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

type saveRequest struct {
	Manifest Manifest    `json:"manifest"`
	Code     interface{} `json:"code"`
}

type saveResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Save posts the bundle to the save endpoint and returns the snack ID the
// server assigned it.
func (c *Client) Save(ctx context.Context, manifest Manifest, code interface{}) (string, error) {
	body, err := json.Marshal(saveRequest{Manifest: manifest, Code: code})
	if err != nil {
		return "", errors.Wrap(err, "restapi: marshal save request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/--/api/v2/snack/save", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "restapi: build save request")
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "restapi: save request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("restapi: save returned status %d", resp.StatusCode)
	}

	var out saveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "restapi: decode save response")
	}
	return out.ID, nil
}

// UploadAsset uploads a raw asset blob and returns the URL it was stored
// at, following the same object-store URL convention the publication
// pipeline recognizes.
func (c *Client) UploadAsset(ctx context.Context, contents []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/--/api/v2/snack/uploadAsset", bytes.NewReader(contents))
	if err != nil {
		return "", errors.Wrap(err, "restapi: build asset upload request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.authorize(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "restapi: asset upload failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("restapi: asset upload returned status %d", resp.StatusCode)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "restapi: decode asset upload response")
	}
	return out.URL, nil
}

// Download fetches a previously saved snack's bundle by ID.
func (c *Client) Download(ctx context.Context, snackID string) ([]byte, error) {
	target := c.BaseURL + "/--/api/v2/snack/download/" + snackID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "restapi: build download request")
	}
	c.authorize(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "restapi: download request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("restapi: download returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "restapi: read download response")
	}
	return data, nil
}

// URL builds the editor link for a session's channel on host, without any
// network call.
func URL(host, channel string) string {
	return fmt.Sprintf("%s/%s", host, channel)
}

func (c *Client) authorize(req *http.Request) {
	if c.Token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	logrus.WithField("url", req.URL.String()).Debug("restapi: authorized request")
}
