package shard

import (
	"fmt"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/roach88/stravasync/internal/record"
)

// WriteDetailPayload lands a raw detail payload as
// strava_detailed_activity_<owner>_<activity>_<ts>.json at the root of fsys
// and returns its name. The file is an audit copy; nothing reads it back.
func WriteDetailPayload(fsys billy.Filesystem, ownerID, activityID int64, at time.Time, payload record.Row) (string, error) {
	if err := fsys.MkdirAll(".", 0o755); err != nil {
		return "", fmt.Errorf("write detail payload: %w", err)
	}
	data, err := record.MarshalCanonical(record.Object(payload))
	if err != nil {
		return "", fmt.Errorf("write detail payload: %w", err)
	}

	owner := "unknown"
	if ownerID != 0 {
		owner = fmt.Sprintf("%d", ownerID)
	}
	name := fmt.Sprintf("strava_detailed_activity_%s_%d_%s.json", owner, activityID, at.UTC().Format(timestampLayout))
	if err := util.WriteFile(fsys, name, data, 0o644); err != nil {
		return "", fmt.Errorf("write detail payload: %w", err)
	}
	return name, nil
}
