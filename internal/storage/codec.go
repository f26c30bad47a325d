package storage

import "encoding/json"

// These helpers serialize the handful of struct/map-valued columns
// (meta, changes, schedule, batch items) as JSON text, matching the
// durable schema's JSONB columns. A decode failure is treated as an
// empty value rather than an error, since absent metadata is valid.

func encodeMeta(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func decodeMeta(b []byte) map[string]string {
	if len(b) == 0 {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func encodeChanges(c map[string]Change) ([]byte, error) {
	if len(c) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

func decodeChanges(b []byte) map[string]Change {
	if len(b) == 0 {
		return nil
	}
	var c map[string]Change
	if err := json.Unmarshal(b, &c); err != nil {
		return nil
	}
	return c
}

func encodeItems(items []BatchItemResult) ([]byte, error) {
	if len(items) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(items)
}

func decodeItems(b []byte) []BatchItemResult {
	if len(b) == 0 {
		return nil
	}
	var items []BatchItemResult
	if err := json.Unmarshal(b, &items); err != nil {
		return nil
	}
	return items
}

func encodeSchedule(s Schedule) ([]byte, error) {
	return json.Marshal(s)
}

func decodeSchedule(b []byte) (Schedule, error) {
	var s Schedule
	if len(b) == 0 {
		return s, nil
	}
	err := json.Unmarshal(b, &s)
	return s, err
}
