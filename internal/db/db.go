// Package db persists pick jobs and their state transitions in sqlite.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

type DB struct {
	*sql.DB
}

func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			job_id            TEXT PRIMARY KEY,
			class             TEXT,
			state             TEXT,
			display_x         DOUBLE,
			display_y         DOUBLE,
			target_x          DOUBLE,
			target_y          DOUBLE,
			error             TEXT,
			created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			finished_at       TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS job_events (
			event_id          INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id            TEXT,
			state             TEXT,
			detail            TEXT,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(job_id) REFERENCES jobs(job_id)
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

// Job is the persisted record of one pick-and-place request.
type Job struct {
	ID         string  `json:"job_id"`
	Class      string  `json:"class"`
	State      string  `json:"state"`
	DisplayX   float64 `json:"display_x"`
	DisplayY   float64 `json:"display_y"`
	TargetX    float64 `json:"target_x"`
	TargetY    float64 `json:"target_y"`
	Error      string  `json:"error,omitempty"`
	CreatedAt  string  `json:"created_at"`
	FinishedAt string  `json:"finished_at,omitempty"`
}

func (j *Job) String() string {
	return fmt.Sprintf("job %s class=%s state=%s target=(%.1f, %.1f)",
		j.ID, j.Class, j.State, j.TargetX, j.TargetY)
}

// JobEvent is one state transition of a job.
type JobEvent struct {
	JobID     string `json:"job_id"`
	State     string `json:"state"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// RecordJob inserts a newly accepted job.
func (db *DB) RecordJob(job Job) error {
	_, err := db.Exec(
		`INSERT INTO jobs (job_id, class, state, display_x, display_y, target_x, target_y)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Class, job.State, job.DisplayX, job.DisplayY, job.TargetX, job.TargetY,
	)
	if err != nil {
		return err
	}
	return db.recordEvent(job.ID, job.State, "")
}

func (db *DB) recordEvent(jobID, state, detail string) error {
	_, err := db.Exec(
		`INSERT INTO job_events (job_id, state, detail) VALUES (?, ?, ?)`,
		jobID, state, detail,
	)
	return err
}

// SetJobTarget records the robot-plane target once the projection is known.
func (db *DB) SetJobTarget(jobID string, x, y float64) error {
	_, err := db.Exec(`UPDATE jobs SET target_x = ?, target_y = ? WHERE job_id = ?`, x, y, jobID)
	return err
}

// UpdateJobState records a state transition for a job.
func (db *DB) UpdateJobState(jobID, state, detail string) error {
	if _, err := db.Exec(`UPDATE jobs SET state = ? WHERE job_id = ?`, state, jobID); err != nil {
		return err
	}
	return db.recordEvent(jobID, state, detail)
}

// FinishJob records a job's terminal state, with the failure message when it
// did not complete.
func (db *DB) FinishJob(jobID, state, errMsg string) error {
	_, err := db.Exec(
		`UPDATE jobs SET state = ?, error = ?, finished_at = CURRENT_TIMESTAMP WHERE job_id = ?`,
		state, errMsg, jobID,
	)
	if err != nil {
		return err
	}
	return db.recordEvent(jobID, state, errMsg)
}

// Job returns a single job by ID.
func (db *DB) Job(jobID string) (*Job, error) {
	row := db.QueryRow(
		`SELECT job_id, class, state, display_x, display_y, target_x, target_y,
		        COALESCE(error, ''), created_at, COALESCE(finished_at, '')
		 FROM jobs WHERE job_id = ?`, jobID)

	var j Job
	err := row.Scan(&j.ID, &j.Class, &j.State, &j.DisplayX, &j.DisplayY,
		&j.TargetX, &j.TargetY, &j.Error, &j.CreatedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// RecentJobs returns the most recent jobs, newest first.
func (db *DB) RecentJobs(limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT job_id, class, state, display_x, display_y, target_x, target_y,
		        COALESCE(error, ''), created_at, COALESCE(finished_at, '')
		 FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Class, &j.State, &j.DisplayX, &j.DisplayY,
			&j.TargetX, &j.TargetY, &j.Error, &j.CreatedAt, &j.FinishedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// JobEvents returns the recorded transitions for a job, oldest first.
func (db *DB) JobEvents(jobID string) ([]JobEvent, error) {
	rows, err := db.Query(
		`SELECT job_id, state, COALESCE(detail, ''), timestamp
		 FROM job_events WHERE job_id = ? ORDER BY event_id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []JobEvent
	for rows.Next() {
		var e JobEvent
		if err := rows.Scan(&e.JobID, &e.State, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// JobStats summarises job outcomes per class.
type JobStats struct {
	Class  string `json:"class"`
	Total  int    `json:"total"`
	Done   int    `json:"done"`
	Failed int    `json:"failed"`
}

// Stats returns per-class job counts.
func (db *DB) Stats() ([]JobStats, error) {
	rows, err := db.Query(
		`SELECT class,
		        COUNT(*),
		        SUM(CASE WHEN state = 'DONE' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN state = 'FAILED' THEN 1 ELSE 0 END)
		 FROM jobs GROUP BY class ORDER BY class`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []JobStats
	for rows.Next() {
		var s JobStats
		if err := rows.Scan(&s.Class, &s.Total, &s.Done, &s.Failed); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://jobs.db", db.DB, &tailsql.DBOptions{
		Label: "Jobs DB",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		unixTime := time.Now().Unix()
		backupPath := fmt.Sprintf("backup-%d.db", unixTime)
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}

		// close the backup file after sending it
		// and remove it from the filesystem
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			log.Printf("Failed to stream backup: %v", err)
		}
	}))
}
