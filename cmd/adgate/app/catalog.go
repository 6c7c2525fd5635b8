// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ChannelMode selects how ads are inserted for a channel.
type ChannelMode string

const (
	ModeAuto     ChannelMode = "AUTO"
	ModeSGAIOnly ChannelMode = "SGAI_ONLY"
	ModeSSAIOnly ChannelMode = "SSAI_ONLY"
)

// Organization is the admin-owned tenant row. The gateway only reads it.
type Organization struct {
	ID             string    `gorm:"primaryKey;size:64" json:"id"`
	Slug           string    `gorm:"size:64;uniqueIndex" json:"slug"`
	Name           string    `gorm:"size:255" json:"name"`
	DefaultSlateID *string   `gorm:"size:64" json:"default_slate_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Organization) TableName() string { return "organizations" }

// Channel is one live channel's insertion config. Admin owns writes;
// the gateway reads it through the catalog cache and only writes back
// the detected bitrate ladder on first contact.
type Channel struct {
	ID                 string      `gorm:"primaryKey;size:64" json:"id"`
	OrgID              string      `gorm:"size:64;index:idx_org_slug,unique" json:"org_id"`
	Slug               string      `gorm:"size:64;index:idx_org_slug,unique" json:"slug"`
	Name               string      `gorm:"size:255" json:"name"`
	OriginURL          string      `gorm:"size:2048;not null" json:"origin_url"`
	Mode               ChannelMode `gorm:"size:16;default:AUTO" json:"mode"`
	SCTE35Enabled      bool        `gorm:"default:true" json:"scte35_enabled"`
	Tier               uint16      `gorm:"default:0" json:"tier"`
	SlateID            *string     `gorm:"size:64" json:"slate_id,omitempty"`
	AdPodBaseURL       string      `gorm:"size:2048" json:"ad_pod_base_url"`
	SignHost           string      `gorm:"size:255" json:"sign_host"`
	SegmentCacheTTLS   uint32      `gorm:"default:60" json:"segment_cache_ttl_s"`
	ManifestCacheTTLS  uint32      `gorm:"default:2" json:"manifest_cache_ttl_s"`
	BitrateLadder      string      `gorm:"type:text" json:"bitrate_ladder_bps"` // JSON list of bps
	VASTEnabled        bool        `gorm:"default:false" json:"vast_enabled"`
	VASTURL            string      `gorm:"size:2048" json:"vast_url,omitempty"`
	AutoBreakIntervalS uint32      `gorm:"default:0" json:"auto_break_interval_s"`
	AutoBreakDurationS uint32      `gorm:"default:0" json:"auto_break_duration_s"`
	RequireAuth        bool        `gorm:"default:false" json:"require_auth"`
	// ForceCapability overrides the client capability check: "sgai"
	// treats every client as interstitial-capable, "ssai" as not.
	ForceCapability string    `gorm:"size:8" json:"force_capability,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (Channel) TableName() string { return "channels" }

// LadderBps returns the channel's bitrate ladder in bps. The ladder is
// stored as a JSON list, written either by admin or by the gateway on
// first contact with the origin master playlist.
func (c *Channel) LadderBps() []uint32 {
	if c.BitrateLadder == "" {
		return nil
	}
	var ladder []uint32
	if err := json.Unmarshal([]byte(c.BitrateLadder), &ladder); err != nil {
		slog.Warn("bad bitrate ladder in channel config", "channel", c.ID, "err", err)
		return nil
	}
	return ladder
}

// Ad is one creative. Its renditions are produced by the transcoder
// (out of core) and read here for bitrate matching.
type Ad struct {
	ID         string        `gorm:"primaryKey;size:64" json:"id"`
	OrgID      string        `gorm:"size:64;index" json:"org_id"`
	Name       string        `gorm:"size:255" json:"name"`
	DurationMS uint32        `json:"duration_ms"`
	Trackers   string        `gorm:"type:text" json:"trackers,omitempty"` // JSON TrackerSet
	Renditions []AdRendition `gorm:"foreignKey:AdID" json:"renditions,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

func (Ad) TableName() string { return "ads" }

// AdRendition is one transcoded bitrate of an Ad. PlaylistURL points at
// the HLS media playlist in the ad object store.
type AdRendition struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	AdID        string `gorm:"size:64;index" json:"ad_id"`
	BitrateBps  uint32 `gorm:"not null" json:"bitrate_bps"`
	PlaylistURL string `gorm:"size:2048;not null" json:"playlist_url"`
}

func (AdRendition) TableName() string { return "ad_renditions" }

// AdPodRow is an admin-curated pod: an ordered set of ads eligible for
// a channel (or org-wide when ChannelID is null).
type AdPodRow struct {
	ID        string        `gorm:"primaryKey;size:64" json:"id"`
	OrgID     string        `gorm:"size:64;index" json:"org_id"`
	ChannelID *string       `gorm:"size:64;index" json:"channel_id,omitempty"`
	Name      string        `gorm:"size:255" json:"name"`
	Priority  int           `gorm:"default:0;index" json:"priority"`
	Weight    int           `gorm:"default:1" json:"weight"`
	Tier      uint16        `gorm:"default:0" json:"tier"`
	Trackers  string        `gorm:"type:text" json:"trackers,omitempty"` // JSON TrackerSet
	Members   []AdPodMember `gorm:"foreignKey:PodID" json:"members,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (AdPodRow) TableName() string { return "ad_pods" }

// AdPodMember orders ads within a pod.
type AdPodMember struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	PodID    string `gorm:"size:64;index" json:"pod_id"`
	AdID     string `gorm:"size:64" json:"ad_id"`
	Position int    `gorm:"default:0" json:"position"`
	Ad       *Ad    `gorm:"foreignKey:AdID" json:"ad,omitempty"`
}

func (AdPodMember) TableName() string { return "ad_pod_members" }

// Slate names a loopable filler creative for a channel or organization.
type Slate struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	OrgID     string    `gorm:"size:64;index" json:"org_id"`
	Name      string    `gorm:"size:255" json:"name"`
	AdID      string    `gorm:"size:64;not null" json:"ad_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (Slate) TableName() string { return "slates" }

// catalogModels lists everything AutoMigrate creates for tests and
// local sqlite runs. Production schemas are admin-owned.
var catalogModels = []any{
	&Organization{}, &Channel{}, &Ad{}, &AdRendition{},
	&AdPodRow{}, &AdPodMember{}, &Slate{},
}

const channelCacheTTL = 60 * time.Second

// Catalog is the read-through view of the relational store. Channel
// lookups are cached in-process for channelCacheTTL so that per-request
// reads do not hit the database.
type Catalog struct {
	db *gorm.DB

	mu       sync.RWMutex
	channels map[string]cachedChannel // org/slug -> entry
}

type cachedChannel struct {
	ch      *Channel
	org     *Organization
	fetched time.Time
}

// OpenCatalogDB opens the relational store. driver is sqlite or
// postgres; sqlite with an empty DSN uses a shared in-memory database.
func OpenCatalogDB(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown catalog driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return db, nil
}

func NewCatalog(db *gorm.DB) *Catalog {
	return &Catalog{db: db, channels: make(map[string]cachedChannel)}
}

// Migrate creates the catalog tables. Only used by tests and sqlite
// deployments; postgres migrations are owned by the admin service.
func (c *Catalog) Migrate() error {
	return c.db.AutoMigrate(catalogModels...)
}

func channelCacheKey(orgSlug, channelSlug string) string {
	return orgSlug + "/" + channelSlug
}

// ChannelBySlug resolves a channel by organization and channel slug,
// serving from the in-process cache when fresh.
func (c *Catalog) ChannelBySlug(ctx context.Context, orgSlug, channelSlug string) (*Channel, *Organization, error) {
	key := channelCacheKey(orgSlug, channelSlug)
	c.mu.RLock()
	entry, ok := c.channels[key]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetched) < channelCacheTTL {
		return entry.ch, entry.org, nil
	}

	var org Organization
	err := c.db.WithContext(ctx).Where("slug = ?", orgSlug).First(&org).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, errNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("catalog org lookup: %w", err)
	}
	var ch Channel
	err = c.db.WithContext(ctx).Where("org_id = ? AND slug = ?", org.ID, channelSlug).First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, errNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("catalog channel lookup: %w", err)
	}

	c.mu.Lock()
	c.channels[key] = cachedChannel{ch: &ch, org: &org, fetched: time.Now()}
	c.mu.Unlock()
	return &ch, &org, nil
}

// ChannelByID loads a channel row without caching. Used by the control
// surface and the scheduler, which tolerate a database round trip.
func (c *Catalog) ChannelByID(ctx context.Context, id string) (*Channel, error) {
	var ch Channel
	err := c.db.WithContext(ctx).Where("id = ?", id).First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog channel lookup: %w", err)
	}
	return &ch, nil
}

// OrgByID loads one organization row.
func (c *Catalog) OrgByID(ctx context.Context, id string) (*Organization, error) {
	var org Organization
	err := c.db.WithContext(ctx).Where("id = ?", id).First(&org).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog org lookup: %w", err)
	}
	return &org, nil
}

// AdByID loads one creative with its renditions. The segment redirect
// resolves object-store locations through this.
func (c *Catalog) AdByID(ctx context.Context, id string) (*Ad, error) {
	var ad Ad
	err := c.db.WithContext(ctx).Preload("Renditions").Where("id = ?", id).First(&ad).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog ad lookup: %w", err)
	}
	return &ad, nil
}

// Channels returns all channels, for the ops API and the auto-break
// scheduler.
func (c *Catalog) Channels(ctx context.Context) ([]Channel, error) {
	var chs []Channel
	if err := c.db.WithContext(ctx).Order("org_id, slug").Find(&chs).Error; err != nil {
		return nil, fmt.Errorf("catalog channels: %w", err)
	}
	return chs, nil
}

// Invalidate drops a channel from the cache. Admin config changes
// publish invalidations (out of core); this is the hook they call.
func (c *Catalog) Invalidate(orgSlug, channelSlug string) {
	c.mu.Lock()
	delete(c.channels, channelCacheKey(orgSlug, channelSlug))
	c.mu.Unlock()
}

// PodsForChannel returns the candidate pods for a channel in priority
// order: channel-scoped and org-wide pods whose tier is compatible,
// with members and renditions preloaded.
func (c *Catalog) PodsForChannel(ctx context.Context, ch *Channel) ([]AdPodRow, error) {
	var pods []AdPodRow
	err := c.db.WithContext(ctx).
		Preload("Members", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Preload("Members.Ad").
		Preload("Members.Ad.Renditions").
		Where("org_id = ? AND (channel_id IS NULL OR channel_id = ?)", ch.OrgID, ch.ID).
		Where("tier = 0 OR tier = ?", ch.Tier).
		Order("priority, created_at DESC").
		Find(&pods).Error
	if err != nil {
		return nil, fmt.Errorf("catalog pods: %w", err)
	}
	return pods, nil
}

// PodByID loads one pod with members and renditions, for the manual
// cue's forced-pod override.
func (c *Catalog) PodByID(ctx context.Context, id string) (*AdPodRow, error) {
	var pod AdPodRow
	err := c.db.WithContext(ctx).
		Preload("Members", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Preload("Members.Ad").
		Preload("Members.Ad.Renditions").
		Where("id = ?", id).First(&pod).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog pod: %w", err)
	}
	return &pod, nil
}

// SlateAd resolves the slate creative for a channel: the channel's own
// slate when configured, else the organization default. errNotFound
// when neither exists.
func (c *Catalog) SlateAd(ctx context.Context, ch *Channel, org *Organization) (*Ad, error) {
	slateID := ch.SlateID
	if slateID == nil && org != nil {
		slateID = org.DefaultSlateID
	}
	if slateID == nil {
		return nil, errNotFound
	}
	var slate Slate
	err := c.db.WithContext(ctx).Where("id = ?", *slateID).First(&slate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog slate: %w", err)
	}
	var ad Ad
	err = c.db.WithContext(ctx).Preload("Renditions").Where("id = ?", slate.AdID).First(&ad).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog slate ad: %w", err)
	}
	return &ad, nil
}

// UpdateDetectedLadder persists the bitrate ladder extracted from the
// origin master playlist if the channel does not have one yet. The
// write is best-effort; a stale cache entry is refreshed in place.
func (c *Catalog) UpdateDetectedLadder(ctx context.Context, ch *Channel, ladderBps []uint32) error {
	if len(ladderBps) == 0 || ch.BitrateLadder != "" {
		return nil
	}
	data, err := json.Marshal(ladderBps)
	if err != nil {
		return fmt.Errorf("marshal ladder: %w", err)
	}
	res := c.db.WithContext(ctx).Model(&Channel{}).
		Where("id = ? AND (bitrate_ladder = '' OR bitrate_ladder IS NULL)", ch.ID).
		Update("bitrate_ladder", string(data))
	if res.Error != nil {
		return fmt.Errorf("update ladder: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		ch.BitrateLadder = string(data)
		slog.Info("detected bitrate ladder stored", "channel", ch.ID, "ladder", string(data))
	}
	return nil
}
