package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/locomotion-timeline/internal/brain"
	"github.com/banshee-data/locomotion-timeline/internal/locomotion"
	"github.com/banshee-data/locomotion-timeline/internal/timeline"
)

// compile-time assertion: DB satisfies the timeline package's Store
// contract.
var _ timeline.Store = (*DB)(nil)

// GetItem loads one timeline item by id, or (nil, nil) if it doesn't
// exist.
func (db *DB) GetItem(ctx context.Context, id string) (*timeline.Item, error) {
	return getItem(ctx, db.DB, id)
}

func getItem(ctx context.Context, q queryer, id string) (*timeline.Item, error) {
	row := q.QueryRowContext(ctx, `
		SELECT item_id, kind, source, is_data_gap, deleted, disabled,
		       previous_item_id, next_item_id, mode_activity_type, mode_moving_activity_type
		FROM timeline_items WHERE item_id = ?`, id)

	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	samples, err := samplesForItem(ctx, q, id)
	if err != nil {
		return nil, err
	}
	it.Samples = samples
	return it, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*timeline.Item, error) {
	var id, kind, source string
	var isDataGap, deleted, disabled int
	var previousID, nextID, modeType, modeMovingType sql.NullString

	if err := row.Scan(&id, &kind, &source, &isDataGap, &deleted, &disabled,
		&previousID, &nextID, &modeType, &modeMovingType); err != nil {
		return nil, err
	}

	it := &timeline.Item{
		ID:       id,
		Kind:     timeline.Kind(kind),
		Source:   source,
		Deleted:  deleted != 0,
		Disabled: disabled != 0,
	}
	if isDataGap != 0 {
		it.IsDataGap = true
	}
	if previousID.Valid {
		v := previousID.String
		it.PreviousItemID = &v
	}
	if nextID.Valid {
		v := nextID.String
		it.NextItemID = &v
	}
	if modeType.Valid {
		v := modeType.String
		it.ModeActivityType = &v
	}
	if modeMovingType.Valid {
		v := modeMovingType.String
		it.ModeMovingActivityType = &v
	}
	return it, nil
}

func samplesForItem(ctx context.Context, q queryer, itemID string) ([]*locomotion.Sample, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT sample_id, timeline_item_id, date_unix_nanos, smoothed_lat, smoothed_lon,
		       moving_state, recording_state, step_hz, course_variance, xy_acceleration,
		       z_acceleration, confirmed_type, classified_type, local_timezone_offset_seconds,
		       disabled, raw_members_json, filtered_members_json, classifier_results_json
		FROM locomotion_samples WHERE timeline_item_id = ? ORDER BY date_unix_nanos ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*locomotion.Sample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSample(rows *sql.Rows) (*locomotion.Sample, error) {
	var id string
	var itemID sql.NullString
	var dateNanos int64
	var lat, lon float64
	var movingState, recordingState string
	var stepHz, courseVariance, xyAccel, zAccel sql.NullFloat64
	var confirmedType, classifiedType sql.NullString
	var tzOffset int
	var disabled int
	var rawJSON, filteredJSON, classifierJSON string

	if err := rows.Scan(&id, &itemID, &dateNanos, &lat, &lon, &movingState, &recordingState,
		&stepHz, &courseVariance, &xyAccel, &zAccel, &confirmedType, &classifiedType,
		&tzOffset, &disabled, &rawJSON, &filteredJSON, &classifierJSON); err != nil {
		return nil, err
	}

	s := &locomotion.Sample{
		ID:                         id,
		Date:                       time.Unix(0, dateNanos).UTC(),
		SmoothedLat:                lat,
		SmoothedLon:                lon,
		MovingState:                brain.MovingState(movingState),
		RecordingState:             locomotion.RecordingState(recordingState),
		LocalTimezoneOffsetSeconds: tzOffset,
		Disabled:                   disabled != 0,
	}
	if itemID.Valid {
		v := itemID.String
		s.TimelineItemID = &v
	}
	if stepHz.Valid {
		v := stepHz.Float64
		s.StepHz = &v
	}
	if courseVariance.Valid {
		v := courseVariance.Float64
		s.CourseVariance = &v
	}
	if xyAccel.Valid {
		v := xyAccel.Float64
		s.XYAcceleration = &v
	}
	if zAccel.Valid {
		v := zAccel.Float64
		s.ZAcceleration = &v
	}
	if confirmedType.Valid {
		v := confirmedType.String
		s.ConfirmedType = &v
	}
	if classifiedType.Valid {
		v := classifiedType.String
		s.ClassifiedType = &v
	}
	if err := json.Unmarshal([]byte(rawJSON), &s.RawMembers); err != nil {
		return nil, fmt.Errorf("decode raw_members_json: %w", err)
	}
	if err := json.Unmarshal([]byte(filteredJSON), &s.FilteredMembers); err != nil {
		return nil, fmt.Errorf("decode filtered_members_json: %w", err)
	}
	if err := json.Unmarshal([]byte(classifierJSON), &s.ClassifierResults); err != nil {
		return nil, fmt.Errorf("decode classifier_results_json: %w", err)
	}
	return s, nil
}

// ItemsInRange returns items whose sample date span (first to last
// sample) intersects [start, end], restricted to source if non-empty.
// Items with no samples are not returned.
func (db *DB) ItemsInRange(ctx context.Context, start, end time.Time, source string) ([]*timeline.Item, error) {
	return itemsInRange(ctx, db.DB, start, end, source)
}

func itemsInRange(ctx context.Context, q queryer, start, end time.Time, source string) ([]*timeline.Item, error) {
	query := `
		SELECT ti.item_id, ti.kind, ti.source, ti.is_data_gap, ti.deleted, ti.disabled,
		       ti.previous_item_id, ti.next_item_id, ti.mode_activity_type, ti.mode_moving_activity_type
		FROM timeline_items ti
		JOIN locomotion_samples ls ON ls.timeline_item_id = ti.item_id`
	var args []any
	if source != "" {
		query += " WHERE ti.source = ?"
		args = append(args, source)
	}
	query += " GROUP BY ti.item_id HAVING MIN(ls.date_unix_nanos) <= ? AND MAX(ls.date_unix_nanos) >= ?"
	args = append(args, end.UnixNano(), start.UnixNano())

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*timeline.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, it := range items {
		samples, err := samplesForItem(ctx, q, it.ID)
		if err != nil {
			return nil, err
		}
		it.Samples = samples
	}
	return items, nil
}

// Upsert persists dirty items, including their link columns.
func (db *DB) Upsert(ctx context.Context, items ...*timeline.Item) error {
	return upsertItems(ctx, db.DB, items)
}

func upsertItems(ctx context.Context, q queryer, items []*timeline.Item) error {
	now := time.Now().UnixNano()
	for _, it := range items {
		retried := false
	write:
		_, err := q.ExecContext(ctx, `
			INSERT INTO timeline_items
				(item_id, kind, source, is_data_gap, deleted, disabled,
				 previous_item_id, next_item_id, mode_activity_type, mode_moving_activity_type,
				 created_unix_nanos, last_saved_unix_nanos)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(item_id) DO UPDATE SET
				kind=excluded.kind, source=excluded.source, is_data_gap=excluded.is_data_gap,
				deleted=excluded.deleted, disabled=excluded.disabled,
				previous_item_id=excluded.previous_item_id, next_item_id=excluded.next_item_id,
				mode_activity_type=excluded.mode_activity_type,
				mode_moving_activity_type=excluded.mode_moving_activity_type,
				last_saved_unix_nanos=excluded.last_saved_unix_nanos`,
			it.ID, string(it.Kind), it.Source, boolToInt(it.IsDataGap), boolToInt(it.Deleted), boolToInt(it.Disabled),
			nullableString(it.PreviousItemID), nullableString(it.NextItemID),
			nullableString(it.ModeActivityType), nullableString(it.ModeMovingActivityType),
			now, now,
		)
		if isConstraintViolation(err) && !retried {
			// Break the offending edges and write the item again, once,
			// with both link columns cleared.
			it.BreakEdges()
			retried = true
			goto write
		}
		if err != nil {
			return fmt.Errorf("upsert item %s: %w", it.ID, err)
		}

		if err := upsertSamples(ctx, q, it.Samples); err != nil {
			return err
		}
	}
	return nil
}

func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces constraint failures as plain errors
	// whose text names the violated constraint; there is no typed
	// sentinel to check against.
	msg := err.Error()
	return strings.Contains(msg, "FOREIGN KEY constraint failed") ||
		strings.Contains(msg, "CHECK constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

// SamplesWithoutParent returns non-disabled samples whose
// TimelineItemID is nil. The source argument is not applied: sample
// rows carry no source column, so orphans from every source are
// returned.
func (db *DB) SamplesWithoutParent(ctx context.Context, source string) ([]*locomotion.Sample, error) {
	return samplesWithoutParent(ctx, db.DB)
}

func samplesWithoutParent(ctx context.Context, q queryer) ([]*locomotion.Sample, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT sample_id, timeline_item_id, date_unix_nanos, smoothed_lat, smoothed_lon,
		       moving_state, recording_state, step_hz, course_variance, xy_acceleration,
		       z_acceleration, confirmed_type, classified_type, local_timezone_offset_seconds,
		       disabled, raw_members_json, filtered_members_json, classifier_results_json
		FROM locomotion_samples WHERE timeline_item_id IS NULL AND disabled = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*locomotion.Sample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertSamples persists sample rows, including parent-id changes.
func (db *DB) UpsertSamples(ctx context.Context, samples ...*locomotion.Sample) error {
	return upsertSamples(ctx, db.DB, samples)
}

func upsertSamples(ctx context.Context, q queryer, samples []*locomotion.Sample) error {
	for _, s := range samples {
		rawJSON, err := json.Marshal(s.RawMembers)
		if err != nil {
			return err
		}
		filteredJSON, err := json.Marshal(s.FilteredMembers)
		if err != nil {
			return err
		}
		classifierJSON, err := json.Marshal(s.ClassifierResults)
		if err != nil {
			return err
		}

		_, err = q.ExecContext(ctx, `
			INSERT INTO locomotion_samples
				(sample_id, timeline_item_id, date_unix_nanos, smoothed_lat, smoothed_lon,
				 moving_state, recording_state, step_hz, course_variance, xy_acceleration,
				 z_acceleration, confirmed_type, classified_type, local_timezone_offset_seconds,
				 disabled, raw_members_json, filtered_members_json, classifier_results_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(sample_id) DO UPDATE SET
				timeline_item_id=excluded.timeline_item_id,
				moving_state=excluded.moving_state, recording_state=excluded.recording_state,
				step_hz=excluded.step_hz, course_variance=excluded.course_variance,
				xy_acceleration=excluded.xy_acceleration, z_acceleration=excluded.z_acceleration,
				confirmed_type=excluded.confirmed_type, classified_type=excluded.classified_type,
				disabled=excluded.disabled`,
			s.ID, nullableString(s.TimelineItemID), s.Date.UnixNano(), s.SmoothedLat, s.SmoothedLon,
			string(s.MovingState), string(s.RecordingState), nullableFloat(s.StepHz), nullableFloat(s.CourseVariance),
			nullableFloat(s.XYAcceleration), nullableFloat(s.ZAcceleration),
			nullableString(s.ConfirmedType), nullableString(s.ClassifiedType), s.LocalTimezoneOffsetSeconds,
			boolToInt(s.Disabled), string(rawJSON), string(filteredJSON), string(classifierJSON),
		)
		if err != nil {
			return fmt.Errorf("upsert sample %s: %w", s.ID, err)
		}
	}
	return nil
}

// HardDeleteSweep permanently removes soft-deleted item rows last saved
// more than olderThan ago and returns how many were removed. Sample rows
// are not deleted.
func (db *DB) HardDeleteSweep(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	res, err := db.ExecContext(ctx, `DELETE FROM timeline_items WHERE deleted = 1 AND last_saved_unix_nanos < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Process runs fn inside a database transaction, exposing it as a Tx.
// On a constraint violation, upsertItems already breaks the offending
// edges and writes the item again once rather than aborting, so a real
// rollback here only happens for genuinely unexpected driver errors.
func (db *DB) Process(ctx context.Context, fn func(tx timeline.Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			sqlTx.Rollback()
		}
	}()

	if err := fn(&txWrapper{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

type txWrapper struct {
	tx *sql.Tx
}

func (t *txWrapper) GetItem(ctx context.Context, id string) (*timeline.Item, error) {
	return getItem(ctx, t.tx, id)
}

func (t *txWrapper) ItemsInRange(ctx context.Context, start, end time.Time, source string) ([]*timeline.Item, error) {
	return itemsInRange(ctx, t.tx, start, end, source)
}

func (t *txWrapper) Upsert(ctx context.Context, items ...*timeline.Item) error {
	return upsertItems(ctx, t.tx, items)
}

func (t *txWrapper) SamplesWithoutParent(ctx context.Context, source string) ([]*locomotion.Sample, error) {
	return samplesWithoutParent(ctx, t.tx)
}

func (t *txWrapper) UpsertSamples(ctx context.Context, samples ...*locomotion.Sample) error {
	return upsertSamples(ctx, t.tx, samples)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
