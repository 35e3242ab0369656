// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package channel holds channel configuration and its read-through
// repository. Admin CRUD lives outside the gateway; the gateway only reads.
package channel

import (
	"context"
	"errors"
	"time"
)

// Mode selects the insertion strategy for a channel.
type Mode string

const (
	ModeAuto     Mode = "AUTO"
	ModeSGAIOnly Mode = "SGAI_ONLY"
	ModeSSAIOnly Mode = "SSAI_ONLY"
)

// ErrNotFound is returned when no channel matches an (org, slug) pair.
var ErrNotFound = errors.New("channel: not found")

// Default cache TTLs applied when the admin store leaves them zero.
const (
	DefaultManifestCacheTTLS = 2
	DefaultSegmentCacheTTLS  = 60
)

// Channel is the per-channel configuration consumed by the gateway.
type Channel struct {
	ID      string `json:"id"`
	Slug    string `json:"slug"`
	OrgSlug string `json:"org_slug"`

	OriginURL     string `json:"origin_url"`
	Mode          Mode   `json:"mode"`
	SCTE35Enabled bool   `json:"scte35_enabled"`
	// Tier restricts which SCTE-35 signals apply; 0 accepts all.
	Tier uint16 `json:"tier"`

	SlateID      string `json:"slate_id,omitempty"`
	AdPodBaseURL string `json:"ad_pod_base_url"`
	SignHost     string `json:"sign_host,omitempty"`

	VASTEnabled bool   `json:"vast_enabled"`
	VASTURL     string `json:"vast_url,omitempty"`

	RequireAuth bool `json:"require_auth"`

	SegmentCacheTTLS  uint32 `json:"segment_cache_ttl_s"`
	ManifestCacheTTLS uint32 `json:"manifest_cache_ttl_s"`

	// BitrateLadderKbps is the admin-surface representation; use LadderBPS
	// internally. Updated from the origin master on first contact.
	BitrateLadderKbps []uint32 `json:"bitrate_ladder_kbps"`

	// ForceInterstitialCapable overrides client capability detection:
	// "on" treats every client as interstitial-capable, "off" none,
	// "" detects per request.
	ForceInterstitialCapable string `json:"force_interstitial_capable,omitempty"`

	// Time-based auto-insert; zero period disables it.
	AutoInsertPeriodS   uint32 `json:"auto_insert_period_s,omitempty"`
	AutoInsertDurationS uint32 `json:"auto_insert_duration_s,omitempty"`
}

// LadderBPS returns the bitrate ladder in bps, the unit every internal
// comparison uses.
func (c *Channel) LadderBPS() []uint32 {
	out := make([]uint32, len(c.BitrateLadderKbps))
	for i, k := range c.BitrateLadderKbps {
		out[i] = k * 1000
	}
	return out
}

// ManifestCacheTTL returns the manifest Cache-Control TTL.
func (c *Channel) ManifestCacheTTL() time.Duration {
	s := c.ManifestCacheTTLS
	if s == 0 {
		s = DefaultManifestCacheTTLS
	}
	return time.Duration(s) * time.Second
}

// SegmentCacheTTL returns the segment Cache-Control TTL.
func (c *Channel) SegmentCacheTTL() time.Duration {
	s := c.SegmentCacheTTLS
	if s == 0 {
		s = DefaultSegmentCacheTTLS
	}
	return time.Duration(s) * time.Second
}

// Repository resolves channel configuration. Implementations: FileRepository
// for a JSON channels file, or an admin-store backed one.
type Repository interface {
	BySlug(ctx context.Context, orgSlug, slug string) (*Channel, error)
	All(ctx context.Context) ([]*Channel, error)
}
