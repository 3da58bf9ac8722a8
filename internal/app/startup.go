package app

import (
	"errors"
	"io/fs"

	"nimingban/internal/client"
	"nimingban/internal/site"
)

const (
	legacyUserCookie = "userId"
	userCookie       = "userhash"
)

// MigrateCookies renames the legacy user cookie of the site to its current
// name, keeping every other attribute.
func (r *Runtime) MigrateCookies() error {
	store, err := r.Cookies()
	if err != nil {
		return err
	}
	renamed, err := store.Rename(r.site.URL(), legacyUserCookie, userCookie)
	if err != nil {
		return err
	}
	if renamed {
		r.log.Info().Str("from", legacyUserCookie).Str("to", userCookie).Msg("Migrated user cookie")
	}
	return nil
}

// restoreCDNPaths loads the mirror list saved by the last run. A missing or
// unreadable file leaves the list empty.
func (r *Runtime) restoreCDNPaths() {
	paths, err := site.LoadCDNPaths(r.cfg.CDNPathFile())
	switch {
	case errors.Is(err, fs.ErrNotExist):
		r.log.Debug().Str("path", r.cfg.CDNPathFile()).Msg("No saved CDN paths")
		return
	case err != nil:
		r.log.Warn().Err(err).Str("path", r.cfg.CDNPathFile()).Msg("Ignoring saved CDN paths")
		return
	}
	r.site.SetCDNPaths(paths)
	r.log.Debug().Int("count", len(paths)).Msg("Restored CDN paths")
}

// RefreshCDNPaths asks the site for its current mirror list. On success the
// list replaces the in-memory one and is saved for the next run. done, if
// set, receives the outcome on the dispatcher's completion queue; a
// cancelled refresh reports client.ErrCancelled.
func (r *Runtime) RefreshCDNPaths(done func(error)) {
	finish := func(err error) {
		if done != nil {
			done(err)
		}
	}
	r.Client().Execute(&client.Request{
		Site:   r.site,
		Method: client.GetCDNPath,
		Callback: client.Callback{
			OnSuccess: func(v any) {
				paths := v.([]site.CDNPath)
				r.site.SetCDNPaths(paths)
				if err := site.SaveCDNPaths(r.cfg.CDNPathFile(), paths); err != nil {
					r.log.Warn().Err(err).Msg("Saving CDN paths failed")
				}
				r.log.Debug().Int("count", len(paths)).Msg("CDN paths refreshed")
				finish(nil)
			},
			OnFailure: func(err error) {
				r.log.Warn().Err(err).Msg("CDN path refresh failed")
				finish(err)
			},
			OnCancel: func() { finish(client.ErrCancelled) },
		},
	})
}
