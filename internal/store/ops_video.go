package store

import "fmt"

// UpsertVideoSnapshot records a video's metadata at fetch time, keyed
// per run so re-running a pipeline re-snapshots rather than clobbers
// an earlier run's figures.
func (s *Store) UpsertVideoSnapshot(v VideoSnapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO video_snapshots
			(pipeline_run_id, video_id, channel_id, channel_title, channel_description, view_count, like_count, comment_count, duration_secs, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pipeline_run_id, video_id) DO UPDATE SET
			channel_id = excluded.channel_id, channel_title = excluded.channel_title,
			channel_description = excluded.channel_description, view_count = excluded.view_count,
			like_count = excluded.like_count, comment_count = excluded.comment_count, duration_secs = excluded.duration_secs,
			fetched_at = excluded.fetched_at`,
		v.PipelineRunID, v.VideoID, v.ChannelID, v.ChannelTitle, v.ChannelDescription, v.ViewCount, v.LikeCount, v.CommentCount, v.DurationSecs, v.FetchedAt)
	if err != nil {
		return fmt.Errorf("upsert video snapshot: %w", err)
	}
	return nil
}

// ListVideoSnapshotsForRun returns every video snapshot recorded for run.
// Nothing in the pipeline calls it; DSI calculation does not read video
// snapshots.
func (s *Store) ListVideoSnapshotsForRun(runID string) ([]VideoSnapshot, error) {
	rows, err := s.db.Query(`
		SELECT pipeline_run_id, video_id, channel_id, channel_title, channel_description, view_count, like_count, comment_count, duration_secs, fetched_at
		FROM video_snapshots WHERE pipeline_run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("list video snapshots: %w", err)
	}
	defer rows.Close()

	var out []VideoSnapshot
	for rows.Next() {
		var v VideoSnapshot
		if err := rows.Scan(&v.PipelineRunID, &v.VideoID, &v.ChannelID, &v.ChannelTitle, &v.ChannelDescription, &v.ViewCount, &v.LikeCount, &v.CommentCount, &v.DurationSecs, &v.FetchedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
