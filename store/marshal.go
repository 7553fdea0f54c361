package store

import (
	"encoding/json"
	"fmt"

	"github.com/codehooks-metering/metering-engine/model"
)

// marshalJob encodes a PendingAggJob as the queue message payload, per
// spec.md §4.5: "each message payload is the full job document."
func marshalJob(job *model.PendingAggJob) ([]byte, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	return b, nil
}
