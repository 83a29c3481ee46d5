package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ComputeKey derives the deduplication key of a job. encoding/json writes
// map keys in sorted order at every depth, so two requests with the same
// identifying fields produce the same key whatever order they arrived in.
func ComputeKey(jobType, workspaceID, projectID string, params map[string]interface{}) (string, error) {
	fields := make(map[string]interface{}, len(params)+3)
	for k, v := range params {
		fields[k] = v
	}
	fields["type"] = jobType
	fields["workspace_id"] = workspaceID
	fields["project_id"] = projectID

	canonical, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encoding job key: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
