package display

import "encoding/json"

// MarshalJSON indents for people and stays on one line when ONAIR_OUTPUT is
// "compact".
func MarshalJSON(v interface{}) ([]byte, error) {
	if outputMode() == "compact" {
		return json.Marshal(v)
	}
	return json.MarshalIndent(v, "", "  ")
}
