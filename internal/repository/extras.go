package repository

import "encoding/json"

func encodeExtras(extras map[string]string) string {
	if len(extras) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(extras)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func decodeExtras(raw string) map[string]string {
	if raw == "" || raw == "{}" {
		return nil
	}
	var extras map[string]string
	if err := json.Unmarshal([]byte(raw), &extras); err != nil {
		return nil
	}
	return extras
}
