package database

import (
	"github.com/rs/zerolog"
)

// MaintenanceJob truncates the WAL file on a schedule so the cache database
// does not accumulate an unbounded write-ahead log between checkpoints.
type MaintenanceJob struct {
	db  *DB
	log zerolog.Logger
}

// NewMaintenanceJob creates the scheduled WAL maintenance job.
func NewMaintenanceJob(db *DB, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		db:  db,
		log: log.With().Str("job", "db_maintenance").Logger(),
	}
}

// Run forces a truncating WAL checkpoint.
func (j *MaintenanceJob) Run() error {
	if err := j.db.WALCheckpoint("TRUNCATE"); err != nil {
		j.log.Error().Err(err).Msg("WAL checkpoint failed")
		return err
	}
	j.log.Debug().Str("database", j.db.name).Msg("WAL checkpoint complete")
	return nil
}

// Name returns the job name for scheduling and logging.
func (j *MaintenanceJob) Name() string {
	return "db_maintenance"
}
