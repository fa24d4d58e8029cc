package tracker

import "encoding/json"

func firstStringParam(params json.RawMessage) (string, bool) {
	var arr []json.RawMessage
	if err := json.Unmarshal(params, &arr); err != nil || len(arr) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(arr[0], &s); err != nil {
		return "", false
	}
	return s, true
}

func secondRawParam(params json.RawMessage) (json.RawMessage, bool) {
	var arr []json.RawMessage
	if err := json.Unmarshal(params, &arr); err != nil || len(arr) < 2 {
		return nil, false
	}
	return arr[1], true
}
