package sessionsync

import (
	"bytes"
	"encoding/json"
	"sort"
)

// historyRecord is one parsed line of the append-only shared history. The
// raw line is kept verbatim so merging never reorders keys or reformats
// records it did not author.
type historyRecord struct {
	sessionID string
	timestamp int64
	line      []byte
}

func parseHistoryLine(line []byte) (historyRecord, bool) {
	var parsed struct {
		SessionID string `json:"sessionId"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(line, &parsed); err != nil {
		return historyRecord{}, false
	}
	if parsed.SessionID == "" {
		return historyRecord{}, false
	}
	return historyRecord{sessionID: parsed.SessionID, timestamp: parsed.Timestamp, line: line}, true
}

// mergeHistorySources folds line-delimited history documents into one:
// last-timestamp-wins per session identifier, ties broken by source scan
// order (first wins), output sorted by timestamp descending with a trailing
// newline. Malformed lines are skipped. The merge is a fixed point: feeding
// its own output back in yields identical bytes.
func mergeHistorySources(sources [][]byte) []byte {
	latest := map[string]historyRecord{}
	for _, source := range sources {
		for _, raw := range bytes.Split(source, []byte("\n")) {
			line := bytes.TrimRight(raw, "\r")
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			record, ok := parseHistoryLine(line)
			if !ok {
				continue
			}
			current, seen := latest[record.sessionID]
			if !seen || record.timestamp > current.timestamp {
				latest[record.sessionID] = record
			}
		}
	}
	if len(latest) == 0 {
		return nil
	}
	records := make([]historyRecord, 0, len(latest))
	for _, record := range latest {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].timestamp != records[j].timestamp {
			return records[i].timestamp > records[j].timestamp
		}
		return records[i].sessionID < records[j].sessionID
	})
	var out bytes.Buffer
	for _, record := range records {
		out.Write(record.line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}
