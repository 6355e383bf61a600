package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/synthlab/crucible/pkg/schema"
)

// maxJournalLine bounds a single journal record. Oversized records are
// treated as malformed and skipped.
const maxJournalLine = 1 << 20

// ReplayJournal re-reads a line-delimited JSON journal written by a FileSink,
// invoking fn once per well-formed record in file order. Malformed lines are
// skipped, not fatal. Returns the number of records replayed.
func ReplayJournal(path string, fn func(event *schema.Event) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open journal %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxJournalLine)

	count := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event schema.Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue // malformed record
		}
		if event.Type == "" {
			continue
		}
		if err := fn(&event); err != nil {
			return count, err
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("scan journal %s: %w", path, err)
	}
	return count, nil
}
