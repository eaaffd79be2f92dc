package messagequeue

import (
	"encoding/json"
	"fmt"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch subject {
	case SubjectUsageRecorded:
		var p UsageRecordedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.UserID == "" {
			return fmt.Errorf("schema validation failed for %s: user_id is required", subject)
		}
		if p.At.IsZero() {
			return fmt.Errorf("schema validation failed for %s: at is required", subject)
		}
	case SubjectQuotaInvalidate:
		var p QuotaInvalidatePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.UserID == "" && !p.All {
			return fmt.Errorf("schema validation failed for %s: user_id or all is required", subject)
		}
	}
	return nil
}
