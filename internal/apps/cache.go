package apps

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/model"
	"github.com/argonne-lcf/balsam/internal/store"
)

type siteEntry struct {
	appIDs []int64
	loaded time.Time
}

// Cache is a read-through cache over the app store. Apps are looked up on every acquisition in order to
// restrict a lease to the apps of its site, so both individual apps and per-site app id lists are cached.
// Entries are dropped when apps are created or updated through the cache, and reloaded once older than ttl
// so that changes made by other processes are eventually picked up.
type Cache struct {
	store store.AppStore
	clock clock.Clock
	ttl   time.Duration
	apps  *lru.Cache // app id -> *model.App
	sites *lru.Cache // site id -> siteEntry
}

func NewCache(appStore store.AppStore, size int, ttl time.Duration, clock clock.Clock) (*Cache, error) {
	apps, err := lru.New(size)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	sites, err := lru.New(size)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Cache{
		store: appStore,
		clock: clock,
		ttl:   ttl,
		apps:  apps,
		sites: sites,
	}, nil
}

// Get returns the app with the given id. The returned app must not be modified.
func (c *Cache) Get(ctx *balsamcontext.Context, id int64) (*model.App, error) {
	if v, ok := c.apps.Get(id); ok {
		return v.(*model.App), nil
	}
	app, err := c.store.GetApp(ctx, id)
	if err != nil {
		return nil, err
	}
	c.apps.Add(id, app)
	return app, nil
}

// SiteAppIDs returns the ids of all apps registered at siteID, in ascending order.
func (c *Cache) SiteAppIDs(ctx *balsamcontext.Context, siteID int64) ([]int64, error) {
	if v, ok := c.sites.Get(siteID); ok {
		entry := v.(siteEntry)
		if c.clock.Since(entry.loaded) < c.ttl {
			return entry.appIDs, nil
		}
	}
	apps, err := c.store.ListApps(ctx, siteID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(apps))
	for i, app := range apps {
		ids[i] = app.ID
		c.apps.Add(app.ID, app)
	}
	slices.Sort(ids)
	c.sites.Add(siteID, siteEntry{appIDs: ids, loaded: c.clock.Now()})
	return ids, nil
}

func (c *Cache) Create(ctx *balsamcontext.Context, app model.App) (*model.App, error) {
	created, err := c.store.CreateApp(ctx, app)
	if err != nil {
		return nil, err
	}
	c.sites.Remove(created.SiteID)
	c.apps.Add(created.ID, created)
	return created, nil
}

// Update replaces an app, invalidating both its old and its new site.
func (c *Cache) Update(ctx *balsamcontext.Context, app model.App) (*model.App, error) {
	previous, err := c.Get(ctx, app.ID)
	if err != nil {
		return nil, err
	}
	c.sites.Remove(previous.SiteID)
	c.apps.Remove(app.ID)
	updated, err := c.store.UpdateApp(ctx, app)
	if err != nil {
		return nil, err
	}
	c.sites.Remove(updated.SiteID)
	c.apps.Add(updated.ID, updated)
	return updated, nil
}

// Invalidate drops everything cached.
func (c *Cache) Invalidate() {
	c.apps.Purge()
	c.sites.Purge()
}
