// Package jobfile loads apps and jobs described in a yaml file and adds them to the job pool.
//
// A job file looks like
//
//	apps:
//	  - name: hello
//	    command: echo hello {{.name}}
//	jobs:
//	  - app: hello
//	    workdir: hello/1
//	    numNodes: 1
//	    ranksPerNode: 1
//	    nodePackingCount: 4
//	    initialState: PREPROCESSED
//	    parameters:
//	      name: world
//
// Jobs refer to apps by name. Apps that already exist for the site are reused.
// Keys of parameters and tags are lowercased when the file is read.
package jobfile

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/argonne-lcf/balsam/internal/apps"
	"github.com/argonne-lcf/balsam/internal/common/balsamcontext"
	"github.com/argonne-lcf/balsam/internal/common/balsamerrors"
	"github.com/argonne-lcf/balsam/internal/common/config"
	"github.com/argonne-lcf/balsam/internal/model"
	"github.com/argonne-lcf/balsam/internal/store"
)

type App struct {
	Name    string
	Command string
}

type Job struct {
	// Name of the app the job runs
	App           string
	model.JobSpec `mapstructure:",squash"`
}

type File struct {
	Apps []App
	Jobs []Job
}

// Load reads a job file. The format is taken from the file's extension.
func Load(path string) (*File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "error reading job file %s", path)
	}
	var f File
	if err := v.Unmarshal(&f, config.CustomHooks...); err != nil {
		return nil, errors.Wrapf(err, "error decoding job file %s", path)
	}
	return &f, nil
}

// Submit registers the file's apps with the site and creates its jobs.
func Submit(ctx *balsamcontext.Context, cache *apps.Cache, appStore store.AppStore, pool store.JobPool, siteID int64, f *File) ([]*model.Job, error) {
	appIDs, err := registerApps(ctx, cache, appStore, siteID, f.Apps)
	if err != nil {
		return nil, err
	}
	specs := make([]model.JobSpec, len(f.Jobs))
	for i, job := range f.Jobs {
		appID, ok := appIDs[job.App]
		if !ok {
			return nil, errors.WithStack(&balsamerrors.ErrNotFound{Type: "app", Value: job.App, Message: "not defined in job file"})
		}
		specs[i] = job.JobSpec
		specs[i].AppID = appID
	}
	if len(specs) == 0 {
		return nil, nil
	}
	jobs, err := pool.CreateJobs(ctx, specs)
	if err != nil {
		return nil, errors.WithMessage(err, "error creating jobs")
	}
	ctx.Log.Infof("Submitted %d jobs for %d apps", len(jobs), len(appIDs))
	return jobs, nil
}

func registerApps(ctx *balsamcontext.Context, cache *apps.Cache, appStore store.AppStore, siteID int64, defs []App) (map[string]int64, error) {
	existing, err := appStore.ListApps(ctx, siteID)
	if err != nil {
		return nil, errors.WithMessage(err, "error listing apps")
	}
	ids := make(map[string]int64, len(defs))
	for _, app := range existing {
		ids[app.Name] = app.ID
	}
	for _, def := range defs {
		if _, ok := ids[def.Name]; ok {
			continue
		}
		created, err := cache.Create(ctx, model.App{SiteID: siteID, Name: def.Name, Command: def.Command})
		if err != nil {
			return nil, errors.WithMessagef(err, "error registering app %s", def.Name)
		}
		ids[def.Name] = created.ID
	}
	return ids, nil
}
