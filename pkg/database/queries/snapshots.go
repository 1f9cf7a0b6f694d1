package queries

import (
	"context"
	"database/sql"
	"time"

	"github.com/medgrid/autoscaler/pkg/models"
)

// SnapshotRepository persists realized performance windows and serves them
// back to the optimizer.
type SnapshotRepository struct {
	db *sql.DB
}

func NewSnapshotRepository(db *sql.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

func (r *SnapshotRepository) Insert(ctx context.Context, snap models.PerformanceSnapshot) error {
	query := `
		INSERT INTO performance_snapshots
			(service_id, metric, window_start, window_end, avg_value, peak_value,
			 replicas, breach_seconds, replica_hours, sample_count, sla_compliant)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.db.ExecContext(ctx, query,
		snap.ServiceID, snap.Metric, snap.WindowStart, snap.WindowEnd,
		snap.AvgValue, snap.PeakValue, snap.Replicas, snap.BreachSeconds,
		snap.ReplicaHours, snap.SampleCount, snap.SLACompliant,
	)
	return err
}

func (r *SnapshotRepository) Snapshots(ctx context.Context, serviceID string, from, to time.Time) ([]models.PerformanceSnapshot, error) {
	query := `
		SELECT service_id, metric, window_start, window_end, avg_value, peak_value,
			   replicas, breach_seconds, replica_hours, sample_count, sla_compliant
		FROM performance_snapshots
		WHERE service_id = $1 AND window_start >= $2 AND window_end <= $3
		ORDER BY window_start ASC`

	rows, err := r.db.QueryContext(ctx, query, serviceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []models.PerformanceSnapshot
	for rows.Next() {
		var s models.PerformanceSnapshot
		err := rows.Scan(
			&s.ServiceID, &s.Metric, &s.WindowStart, &s.WindowEnd,
			&s.AvgValue, &s.PeakValue, &s.Replicas, &s.BreachSeconds,
			&s.ReplicaHours, &s.SampleCount, &s.SLACompliant,
		)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	return snaps, rows.Err()
}

func (r *SnapshotRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM performance_snapshots WHERE window_end < $1`, cutoff,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
