// Package store keeps the results of simulation runs in a SQLite database,
// one row per run and one row per flow of a run.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/iti/aqmon"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    scenario TEXT,
    duration REAL,
    flows INTEGER,
    throughput_mbps REAL,
    pdr_percent REAL,
    mean_delay_ms REAL,
    mean_jitter_ms REAL,
    fairness REAL,
    dropped INTEGER,
    marked INTEGER,
    link_losses INTEGER,
    timestamp INTEGER
);
CREATE TABLE IF NOT EXISTS flows (
    run_id TEXT,
    flow_id INTEGER,
    flow TEXT,
    tx_packets INTEGER,
    rx_packets INTEGER,
    tx_bytes INTEGER,
    rx_bytes INTEGER,
    lost_packets INTEGER,
    marked_packets INTEGER,
    throughput_mbps REAL,
    mean_delay_ms REAL,
    mean_jitter_ms REAL,
    pdr_percent REAL,
    PRIMARY KEY (run_id, flow_id)
);
`

// RunSummary is a row of the runs table
type RunSummary struct {
	ID             string
	Scenario       string
	Duration       float64
	Flows          int
	ThroughputMbps float64
	PdrPercent     float64
	MeanDelayMs    float64
	MeanJitterMs   float64
	Fairness       float64
	Dropped        uint64
	Marked         uint64
	LinkLosses     uint64
	Timestamp      int64
}

// Store is an open results database
type Store struct {
	db *sql.DB
}

// Open opens (creating if need be) the database at path and its schema
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun stores a run and its flows in one transaction, returning the id given to the run
func (s *Store) SaveRun(rslt *aqmon.Result) (string, error) {
	runID := uuid.NewString()

	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}

	agg := rslt.Aggregate
	_, err = tx.Exec(`
        INSERT INTO runs (
            id, scenario, duration, flows,
            throughput_mbps, pdr_percent, mean_delay_ms, mean_jitter_ms, fairness,
            dropped, marked, link_losses, timestamp
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `,
		runID, rslt.Name, rslt.Duration, agg.Flows,
		agg.TotalThroughputMbps, agg.OverallPdrPercent, agg.OverallMeanDelayMs, agg.OverallMeanJitterMs, agg.FairnessIndex,
		rslt.Queue.TotalDroppedPackets, rslt.Queue.TotalMarkedPackets, rslt.LinkLosses, time.Now().Unix(),
	)
	if err != nil {
		_ = tx.Rollback()
		return "", err
	}

	stmt, err := tx.Prepare(`
        INSERT INTO flows (
            run_id, flow_id, flow,
            tx_packets, rx_packets, tx_bytes, rx_bytes,
            lost_packets, marked_packets,
            throughput_mbps, mean_delay_ms, mean_jitter_ms, pdr_percent
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `)
	if err != nil {
		_ = tx.Rollback()
		return "", err
	}
	defer stmt.Close()

	for _, fr := range rslt.Flows {
		_, err = stmt.Exec(
			runID, fr.FlowID, fr.Flow,
			fr.TxPackets, fr.RxPackets, fr.TxBytes, fr.RxBytes,
			fr.LostPackets, fr.MarkedPackets,
			fr.ThroughputMbps, fr.MeanDelayMs, fr.MeanJitterMs, fr.PdrPercent,
		)
		if err != nil {
			_ = tx.Rollback()
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return runID, nil
}

// LoadRun returns the summary row of a run
func (s *Store) LoadRun(runID string) (RunSummary, error) {
	var r RunSummary
	err := s.db.QueryRow(`
        SELECT id, scenario, duration, flows,
               throughput_mbps, pdr_percent, mean_delay_ms, mean_jitter_ms, fairness,
               dropped, marked, link_losses, timestamp
        FROM runs
        WHERE id = ?
    `, runID).Scan(
		&r.ID, &r.Scenario, &r.Duration, &r.Flows,
		&r.ThroughputMbps, &r.PdrPercent, &r.MeanDelayMs, &r.MeanJitterMs, &r.Fairness,
		&r.Dropped, &r.Marked, &r.LinkLosses, &r.Timestamp,
	)
	if err != nil {
		return RunSummary{}, err
	}
	return r, nil
}

// LoadFlows returns the flow rows of a run in flow-id order
func (s *Store) LoadFlows(runID string) ([]aqmon.FlowRecord, error) {
	rows, err := s.db.Query(`
        SELECT flow_id, flow,
               tx_packets, rx_packets, tx_bytes, rx_bytes,
               lost_packets, marked_packets,
               throughput_mbps, mean_delay_ms, mean_jitter_ms, pdr_percent
        FROM flows
        WHERE run_id = ?
        ORDER BY flow_id
    `, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []aqmon.FlowRecord

	for rows.Next() {
		var fr aqmon.FlowRecord
		err := rows.Scan(
			&fr.FlowID, &fr.Flow,
			&fr.TxPackets, &fr.RxPackets, &fr.TxBytes, &fr.RxBytes,
			&fr.LostPackets, &fr.MarkedPackets,
			&fr.ThroughputMbps, &fr.MeanDelayMs, &fr.MeanJitterMs, &fr.PdrPercent,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, fr)
	}

	return out, rows.Err()
}
