package memstore

import "github.com/hashicorp/go-memdb"

const (
	jobsTable   = "jobs"
	leasesTable = "leases"
	appsTable   = "apps"
	eventsTable = "events"

	idIndex    = "id"    // unique id of the object
	stateIndex = "state" // jobs by state, used to find candidates
	leaseIndex = "lease" // jobs by the lease holding them
	siteIndex  = "site"  // apps by site
	jobIndex   = "job"   // events by job
)

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "ID"},
					},
					stateIndex: {
						Name:    stateIndex,
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "State"},
					},
					leaseIndex: {
						Name:         leaseIndex,
						Unique:       false,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "LeaseID"},
					},
				},
			},
			leasesTable: {
				Name: leasesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
			appsTable: {
				Name: appsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "ID"},
					},
					siteIndex: {
						Name:    siteIndex,
						Unique:  false,
						Indexer: &memdb.IntFieldIndex{Field: "SiteID"},
					},
				},
			},
			eventsTable: {
				Name: eventsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.IntFieldIndex{Field: "ID"},
					},
					jobIndex: {
						Name:    jobIndex,
						Unique:  false,
						Indexer: &memdb.IntFieldIndex{Field: "JobID"},
					},
				},
			},
		},
	}
}
