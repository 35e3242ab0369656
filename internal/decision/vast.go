// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// vastRequestTimeout bounds one round trip to the VAST parser service. The
// caller's decide deadline is the outer bound.
const vastRequestTimeout = 1800 * time.Millisecond

// HTTPVASTClient talks to the external VAST parser service, which fetches
// and parses the VAST document and answers with a normalized pod.
type HTTPVASTClient struct {
	// Endpoint of the parser service; the channel's VAST URL and the break
	// duration are passed as query parameters.
	Endpoint string
	Client   *http.Client
}

func NewHTTPVASTClient(endpoint string) *HTTPVASTClient {
	return &HTTPVASTClient{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: vastRequestTimeout},
	}
}

func (c *HTTPVASTClient) Pod(ctx context.Context, vastURL string, durationMS uint32) (*AdPod, error) {
	q := url.Values{}
	q.Set("url", vastURL)
	q.Set("duration_ms", fmt.Sprintf("%d", durationMS))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vast service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vast service: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("vast service: %w", err)
	}
	var pod AdPod
	if err := json.Unmarshal(body, &pod); err != nil {
		return nil, fmt.Errorf("vast service: decode pod: %w", err)
	}
	return &pod, nil
}
