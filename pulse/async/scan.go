package async

import (
	"database/sql"
	"time"
)

// JobScanArgs holds the nullable columns scanned alongside a job row.
type JobScanArgs struct {
	StoredPath  sql.NullString
	SizeMB      sql.NullFloat64
	SizeFinalMB sql.NullFloat64
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
}

// GetJobScanTargets returns scan pointers in the order of StandardJobSelectColumns
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&args.StoredPath,
		&job.OriginalName,
		&job.State,
		&args.SizeMB,
		&args.SizeFinalMB,
		&job.ClientIP,
		&job.Error,
		&job.CreatedAt,
		&job.ExpiresAt,
		&args.StartedAt,
		&args.CompletedAt,
		&job.UpdatedAt,
	}
}

// ProcessJobScanArgs copies the nullable columns onto the job.
func ProcessJobScanArgs(job *Job, args *JobScanArgs) {
	if args.StoredPath.Valid {
		job.StoredPath = args.StoredPath.String
	}
	if args.SizeMB.Valid {
		v := args.SizeMB.Float64
		job.SizeMB = &v
	}
	if args.SizeFinalMB.Valid {
		v := args.SizeFinalMB.Float64
		job.SizeFinalMB = &v
	}
	if args.StartedAt.Valid {
		t := args.StartedAt.Time
		job.StartedAt = &t
	}
	if args.CompletedAt.Valid {
		t := args.CompletedAt.Time
		job.CompletedAt = &t
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans one job from a *sql.Row or *sql.Rows.
func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var args JobScanArgs
	if err := row.Scan(GetJobScanTargets(&job, &args)...); err != nil {
		return nil, err
	}
	ProcessJobScanArgs(&job, &args)
	return &job, nil
}

// StandardJobSelectColumns returns the column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, stored_path, original_name, state,
		size_mb, size_final_mb,
		client_ip, error,
		created_at, expires_at, started_at, completed_at, updated_at`
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
