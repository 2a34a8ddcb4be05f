package signer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/forge-os/forgeos/internal/canonjson"
	"github.com/forge-os/forgeos/internal/telemetry"
)

// ChainLog is the hash-chained append-only audit log: one JSON object per
// line, each carrying the previous line's record hash. Appends serialize
// under a mutex; the tail hash is recovered from the last line on first use.
type ChainLog struct {
	path string

	mu     sync.Mutex
	loaded bool
	tail   string // record_hash of the last appended line, "" for empty log
	length int64
}

// NewChainLog creates a chain log at the given path. The file is created on
// first append.
func NewChainLog(path string) *ChainLog {
	return &ChainLog{path: path}
}

// Append writes one chained record. The caller's record must not contain the
// chain fields; they are added here. Returns the new record hash.
func (l *ChainLog) Append(record map[string]any) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.loaded {
		if err := l.recoverTail(); err != nil {
			return "", err
		}
	}

	chained := make(map[string]any, len(record)+3)
	for k, v := range record {
		chained[k] = v
	}
	chained["record_hash_algo"] = "sha256"
	if l.tail == "" {
		chained["prev_record_hash"] = nil
	} else {
		chained["prev_record_hash"] = l.tail
	}

	recordHash, err := canonjson.HashSHA256(chained)
	if err != nil {
		return "", fmt.Errorf("hashing audit record: %w", err)
	}
	chained["record_hash"] = recordHash

	line, err := json.Marshal(chained)
	if err != nil {
		return "", fmt.Errorf("encoding audit record: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return "", fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("appending audit record: %w", err)
	}

	l.tail = recordHash
	l.length++
	telemetry.SignerChainLength.Set(float64(l.length))
	return recordHash, nil
}

// recoverTail reads the last line of the log to resume the chain.
func (l *ChainLog) recoverTail() error {
	l.loaded = true

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	var last string
	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading audit log: %w", err)
	}
	l.length = count
	if last == "" {
		return nil
	}

	var record struct {
		RecordHash string `json:"record_hash"`
	}
	if err := json.Unmarshal([]byte(last), &record); err != nil {
		return fmt.Errorf("parsing audit log tail: %w", err)
	}
	l.tail = record.RecordHash
	return nil
}

// Tail returns up to limit of the most recent raw log lines, oldest first.
func (l *ChainLog) Tail(limit int) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}

	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}
