package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/membersync/internal/dbx"
	"github.com/dmitrijs2005/membersync/internal/server/repositories/changes"
	"github.com/dmitrijs2005/membersync/internal/server/repositories/records"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Records(db dbx.DBTX) records.Repository
	Changes(db dbx.DBTX) changes.Repository
}
