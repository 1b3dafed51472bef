// Package db stores decoded DVL outputs and command results in SQLite.
package db

import (
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/dvl.link/internal/dvl"
	"github.com/banshee-data/dvl.link/internal/navigation"
	"github.com/banshee-data/dvl.link/internal/protocol"
)

type DB struct {
	*sql.DB
	path string
}

// OpenDB opens the database without touching the schema.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection also keeps :memory:
	// databases shared across queries.
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// NewDB opens the database and applies any pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// VelocityRow is a stored velocity output.
type VelocityRow struct {
	ID            int64              `json:"id"`
	FrameID       string             `json:"frame_id"`
	Time          time.Time          `json:"time"`
	Velocity      protocol.Vector3   `json:"velocity"`
	Altitude      float64            `json:"altitude"`
	Course        float64            `json:"course"`
	Speed         float64            `json:"speed"`
	FigureOfMerit float64            `json:"fom"`
	SoundSpeed    float64            `json:"sound_speed"`
	VelocityValid bool               `json:"velocity_valid"`
	NumGoodBeams  int                `json:"num_good_beams"`
	Status        int32              `json:"status"`
	Covariance    [9]float64         `json:"covariance"`
	Beams         [4]navigation.Beam `json:"beams"`
}

// PoseRow is a stored pose output.
type PoseRow struct {
	ID          int64                 `json:"id"`
	FrameID     string                `json:"frame_id"`
	Time        time.Time             `json:"time"`
	Position    protocol.Vector3      `json:"position"`
	StdDev      float64               `json:"std_dev"`
	Orientation navigation.Quaternion `json:"orientation"`
	Status      int32                 `json:"status"`
}

func (db *DB) RecordVelocity(v navigation.VelocityOutput) error {
	cov, err := json.Marshal(v.Covariance)
	if err != nil {
		return fmt.Errorf("failed to encode covariance: %w", err)
	}
	beams, err := json.Marshal(v.Beams)
	if err != nil {
		return fmt.Errorf("failed to encode beams: %w", err)
	}
	_, err = db.Exec(
		`INSERT INTO velocity_reports (
			frame_id, time_unix_nanos, vx, vy, vz, altitude, course, speed, fom,
			sound_speed, velocity_valid, num_good_beams, status, covariance_json, beams_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.FrameID, v.Time.UnixNano(), v.Velocity.X, v.Velocity.Y, v.Velocity.Z,
		v.Altitude, v.Course, v.Speed, v.FigureOfMerit, v.SoundSpeed,
		v.VelocityValid, v.NumGoodBeams, v.Status, string(cov), string(beams),
	)
	if err != nil {
		return fmt.Errorf("failed to record velocity: %w", err)
	}
	return nil
}

func (db *DB) RecordPose(p navigation.PoseOutput) error {
	_, err := db.Exec(
		`INSERT INTO pose_reports (
			frame_id, time_unix_nanos, x, y, z, std_dev, qx, qy, qz, qw, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.FrameID, p.Time.UnixNano(), p.Position.X, p.Position.Y, p.Position.Z,
		p.Covariance[0], p.Orientation.X, p.Orientation.Y, p.Orientation.Z, p.Orientation.W, p.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to record pose: %w", err)
	}
	return nil
}

// RecordCommand implements dvl.CommandLog.
func (db *DB) RecordCommand(r dvl.CommandResult) error {
	var params sql.NullString
	if len(r.Parameters) > 0 {
		b, err := json.Marshal(r.Parameters)
		if err != nil {
			return fmt.Errorf("failed to encode parameters: %w", err)
		}
		params = sql.NullString{String: string(b), Valid: true}
	}
	_, err := db.Exec(
		`INSERT INTO command_log (
			request_id, command, parameters_json, success, message, sent_unix_nanos, latency_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RequestID, r.Command, params, r.Success, r.Message,
		r.SentAt.UnixNano(), float64(r.Latency)/float64(time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("failed to record command: %w", err)
	}
	return nil
}

// PublishVelocity and PublishPose make the store a dvl.Sink.
func (db *DB) PublishVelocity(v navigation.VelocityOutput) error { return db.RecordVelocity(v) }
func (db *DB) PublishPose(p navigation.PoseOutput) error         { return db.RecordPose(p) }

// RecentVelocity returns up to limit velocity rows, newest first.
func (db *DB) RecentVelocity(limit int) ([]VelocityRow, error) {
	rows, err := db.Query(`SELECT id, frame_id, time_unix_nanos, vx, vy, vz, altitude, course,
			speed, fom, sound_speed, velocity_valid, num_good_beams, status,
			covariance_json, beams_json
		FROM velocity_reports ORDER BY time_unix_nanos DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VelocityRow
	for rows.Next() {
		var (
			r         VelocityRow
			nanos     int64
			cov, beam string
		)
		if err := rows.Scan(
			&r.ID, &r.FrameID, &nanos, &r.Velocity.X, &r.Velocity.Y, &r.Velocity.Z,
			&r.Altitude, &r.Course, &r.Speed, &r.FigureOfMerit, &r.SoundSpeed,
			&r.VelocityValid, &r.NumGoodBeams, &r.Status, &cov, &beam,
		); err != nil {
			return nil, err
		}
		r.Time = time.Unix(0, nanos).UTC()
		if err := json.Unmarshal([]byte(cov), &r.Covariance); err != nil {
			return nil, fmt.Errorf("failed to decode covariance of row %d: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(beam), &r.Beams); err != nil {
			return nil, fmt.Errorf("failed to decode beams of row %d: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentPoses returns up to limit pose rows, newest first.
func (db *DB) RecentPoses(limit int) ([]PoseRow, error) {
	rows, err := db.Query(`SELECT id, frame_id, time_unix_nanos, x, y, z, std_dev, qx, qy, qz, qw, status
		FROM pose_reports ORDER BY time_unix_nanos DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PoseRow
	for rows.Next() {
		var (
			r     PoseRow
			nanos int64
		)
		if err := rows.Scan(
			&r.ID, &r.FrameID, &nanos, &r.Position.X, &r.Position.Y, &r.Position.Z, &r.StdDev,
			&r.Orientation.X, &r.Orientation.Y, &r.Orientation.Z, &r.Orientation.W, &r.Status,
		); err != nil {
			return nil, err
		}
		r.Time = time.Unix(0, nanos).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentCommands returns up to limit command results, newest first.
func (db *DB) RecentCommands(limit int) ([]dvl.CommandResult, error) {
	rows, err := db.Query(`SELECT request_id, command, parameters_json, success, message,
			sent_unix_nanos, latency_ms
		FROM command_log ORDER BY sent_unix_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []dvl.CommandResult
	for rows.Next() {
		var (
			r         dvl.CommandResult
			requestID sql.NullString
			params    sql.NullString
			nanos     int64
			latencyMs float64
		)
		if err := rows.Scan(&requestID, &r.Command, &params, &r.Success, &r.Message, &nanos, &latencyMs); err != nil {
			return nil, err
		}
		r.RequestID = requestID.String
		if params.Valid {
			if err := json.Unmarshal([]byte(params.String), &r.Parameters); err != nil {
				return nil, fmt.Errorf("failed to decode parameters: %w", err)
			}
		}
		r.SentAt = time.Unix(0, nanos).UTC()
		r.Latency = time.Duration(latencyMs * float64(time.Millisecond))
		out = append(out, r)
	}
	return out, rows.Err()
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
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "DVL DB",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("dvl-backup-%d.db", time.Now().UnixNano()))
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer backupFile.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(backupPath)))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			log.Printf("failed to stream backup: %v", err)
		}
	}))
}
