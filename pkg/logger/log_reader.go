package logger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LogEntry represents a parsed log entry
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Category  string                 `json:"category"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogReader reads the categorised log files written by MultiLogger
type LogReader struct {
	logsDir string
}

// NewLogReader creates a new log reader
func NewLogReader(logsDir string) *LogReader {
	return &LogReader{logsDir: logsDir}
}

// GetLogPath returns the path to a category log file for a specific date
func (lr *LogReader) GetLogPath(category LogCategory, date time.Time) string {
	filename := fmt.Sprintf("%s-%s.log", category, date.Format("20060102"))
	return filepath.Join(lr.logsDir, filename)
}

// ReadLogs returns the last limit entries of a category log file, or all
// entries when limit is 0
func (lr *LogReader) ReadLogs(category LogCategory, date time.Time, limit int) ([]LogEntry, error) {
	return lr.scan(category, date, limit, func(LogEntry) bool { return true })
}

// SearchLogs returns the last limit entries whose message or fields contain query
func (lr *LogReader) SearchLogs(category LogCategory, date time.Time, query string, limit int) ([]LogEntry, error) {
	query = strings.ToLower(query)
	return lr.scan(category, date, limit, func(e LogEntry) bool {
		if strings.Contains(strings.ToLower(e.Message), query) {
			return true
		}
		for k, v := range e.Fields {
			if strings.Contains(strings.ToLower(fmt.Sprintf("%s=%v", k, v)), query) {
				return true
			}
		}
		return false
	})
}

func (lr *LogReader) scan(category LogCategory, date time.Time, limit int, keep func(LogEntry) bool) ([]LogEntry, error) {
	file, err := os.Open(lr.GetLogPath(category, date))
	if err != nil {
		if os.IsNotExist(err) {
			return []LogEntry{}, nil
		}
		return nil, err
	}
	defer file.Close()

	entries := []LogEntry{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry := parseLine(category, line)
		if !keep(entry) {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) > limit {
			entries = entries[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// parseLine splits a JSON log line into the well-known keys and the rest
func parseLine(category LogCategory, line string) LogEntry {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return LogEntry{
			Level:    "info",
			Message:  line,
			Category: string(category),
		}
	}

	entry := LogEntry{Category: string(category)}
	if v, ok := raw["timestamp"].(string); ok {
		entry.Timestamp = v
	}
	if v, ok := raw["level"].(string); ok {
		entry.Level = v
	}
	if v, ok := raw["message"].(string); ok {
		entry.Message = v
	}
	for _, k := range []string{"timestamp", "level", "message", "category"} {
		delete(raw, k)
	}
	if len(raw) > 0 {
		entry.Fields = raw
	}
	return entry
}
