package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"
)

func mappingPrompt(candidates, columns []string) string {
	found, _ := json.Marshal(candidates)
	wanted, _ := json.Marshal(columns)
	return fmt.Sprintf(`You match the column headers of a scanned register to the columns a user asked for.

Document headers: %s
Requested columns: %s

For each requested column pick the document header that means the same thing ("Name" matches "NAME", "STUDENT NAME" or "FULL NAME"). Use null when nothing fits. Never use a document header twice.

Return ONLY a JSON object whose keys are the requested columns exactly as given, for example {"Name": "NAME", "ID": "STUDENT_ID", "Phone": null}.`, found, wanted)
}

// parseMapping pulls the first JSON object out of a model reply
func parseMapping(text string) (map[string]*string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "{")
	if start == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	end := strings.LastIndex(text, "}")
	if end < start {
		return nil, fmt.Errorf("invalid JSON object in response")
	}

	var mapping map[string]*string
	if err := json.Unmarshal([]byte(text[start:end+1]), &mapping); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}
	return mapping, nil
}
