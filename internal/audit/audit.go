// Package audit keeps a tamper-evident JSONL log of fix operations. Each
// entry carries the SHA-256 of the previous one, so edits and deletions
// break the chain.
package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/breeze-rmm/gamefix/internal/logging"
)

var log = logging.L("audit")

// Event types for audit logging.
const (
	EventFixInstalled       = "fix_installed"
	EventFixUpdated         = "fix_updated"
	EventFixUninstalled     = "fix_uninstalled"
	EventFixInstallFailed   = "fix_install_failed"
	EventFixUninstallFailed = "fix_uninstall_failed"
	EventFixRolledBack      = "fix_rolled_back"
	EventFixVerified        = "fix_verified"
	EventLogRotated         = "log_rotated"
)

// FileName is the active log file inside the audit directory. Rotated
// files carry a numeric suffix, higher being older.
const FileName = "audit.jsonl"

const genesis = "genesis"

// ErrChainBroken is returned by VerifyFile when an entry does not link to
// the one before it or its hash does not match its content.
var ErrChainBroken = errors.New("audit hash chain broken")

// criticalEvents are event types that require fsync after writing.
var criticalEvents = map[string]bool{
	EventFixInstalled:   true,
	EventFixUpdated:     true,
	EventFixUninstalled: true,
	EventFixRolledBack:  true,
}

// Entry is a single audit log record.
type Entry struct {
	Timestamp string          `json:"timestamp"`
	EventType string          `json:"eventType"`
	FixGuid   string          `json:"fixGuid,omitempty"`
	GameID    int             `json:"gameId,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	PrevHash  string          `json:"prevHash"`
	EntryHash string          `json:"entryHash"`
}

// Options configures a Logger.
type Options struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
}

// Logger writes tamper-evident JSONL audit logs with a SHA-256 hash chain.
// On log rotation, a sentinel entry (EventLogRotated) is written as the first
// record in the new file, with prevHash linking to the last entry of the old file.
type Logger struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
}

// NewLogger creates an audit logger writing to {Dir}/audit.jsonl. An
// existing log is appended to and its chain continued.
func NewLogger(opts Options) (*Logger, error) {
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}

	l := &Logger{
		filePath:   filepath.Join(opts.Dir, FileName),
		maxSize:    int64(maxSize) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   genesis,
	}
	if last, err := lastHash(l.filePath); err != nil {
		log.Warnw("cannot resume audit chain", "path", l.filePath, logging.KeyError, err)
		l.prevHash = "chain-broken"
	} else if last != "" {
		l.prevHash = last
	}

	if err := l.openFile(); err != nil {
		return nil, err
	}

	log.Debugw("audit logger started", "path", l.filePath)
	return l, nil
}

// Path is the active log file.
func (l *Logger) Path() string {
	return l.filePath
}

// Log writes a single audit entry with hash chain linking. The chain is
// only advanced after a successful write. Safe to call on a nil receiver.
func (l *Logger) Log(eventType string, fixGuid uuid.UUID, gameID int, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		GameID:    gameID,
		PrevHash:  l.prevHash,
	}
	if fixGuid != uuid.Nil {
		entry.FixGuid = fixGuid.String()
	}
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			log.Errorw("failed to marshal audit details", logging.KeyError, err, "eventType", eventType)
			l.dropped.Add(1)
			return
		}
		entry.Details = raw
	}
	entry.EntryHash = computeHash(entry)

	data, err := json.Marshal(entry)
	if err != nil {
		log.Errorw("failed to marshal audit entry", logging.KeyError, err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	data = append(data, '\n')

	if l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			log.Errorw("audit log rotation failed", logging.KeyError, err)
			l.dropped.Add(1)
			return
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		log.Errorw("failed to write audit entry", logging.KeyError, err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	l.written += int64(n)
	l.prevHash = entry.EntryHash

	if criticalEvents[eventType] {
		if err := l.file.Sync(); err != nil {
			log.Errorw("failed to fsync audit entry", logging.KeyError, err, "eventType", eventType)
		}
	}
}

// Close flushes and closes the audit log file. Safe to call on a nil receiver.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// DroppedCount returns the number of audit entries that failed to write, or
// -1 for a nil logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// computeHash hashes the length-prefixed fields of an entry.
func computeHash(entry Entry) string {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.FixGuid, fmt.Sprint(entry.GameID), entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if len(entry.Details) > 0 {
		fmt.Fprintf(h, "%d:", len(entry.Details))
		h.Write(entry.Details)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyFile checks the hash chain of one log file and returns the number of
// entries read. The first entry may link to anything; every later entry
// must link to its predecessor.
func VerifyFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	count := 0
	prev := ""
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return count, fmt.Errorf("entry %d: %w", count+1, err)
		}
		if computeHash(entry) != entry.EntryHash {
			return count, fmt.Errorf("entry %d hash mismatch: %w", count+1, ErrChainBroken)
		}
		if prev != "" && entry.PrevHash != prev {
			return count, fmt.Errorf("entry %d does not link to entry %d: %w", count+1, count, ErrChainBroken)
		}
		prev = entry.EntryHash
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("read audit log: %w", err)
	}
	return count, nil
}

// LogFiles lists the active and rotated log files in dir, oldest first.
func LogFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read audit dir: %w", err)
	}
	indexes := map[string]int{}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if name == FileName {
			indexes[name] = 0
			files = append(files, name)
			continue
		}
		suffix, ok := strings.CutPrefix(name, FileName+".")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(suffix)
		if err != nil || n <= 0 {
			continue
		}
		indexes[name] = n
		files = append(files, name)
	}
	sort.Slice(files, func(i, j int) bool { return indexes[files[i]] > indexes[files[j]] })
	for i, name := range files {
		files[i] = filepath.Join(dir, name)
	}
	return files, nil
}

// lastHash returns the entry hash of the last record in path, or "" when
// the file is absent or empty.
func lastHash(path string) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	var last []byte
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			last = append(last[:0], trimmed...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	if last == nil {
		return "", nil
	}

	var entry Entry
	if err := json.Unmarshal(last, &entry); err != nil {
		return "", fmt.Errorf("parse last audit entry: %w", err)
	}
	return entry.EntryHash, nil
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}

	l.file = f
	l.written = info.Size()
	return nil
}

func (l *Logger) rotate() error {
	prevHashBeforeRotation := l.prevHash

	if l.file != nil {
		l.file.Close()
	}

	// Shift existing backups: .3 → delete, .2 → .3, .1 → .2
	for i := l.maxBackups; i >= 2; i-- {
		src := l.backupName(i - 1)
		dst := l.backupName(i)
		if i == l.maxBackups {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				log.Warnw("audit log rotation: failed to remove oldest backup", "path", dst, logging.KeyError, err)
			}
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			log.Warnw("audit log rotation: failed to rename backup", "src", src, "dst", dst, logging.KeyError, err)
		}
	}

	if err := os.Rename(l.filePath, l.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warnw("audit log rotation: failed to rename current log", logging.KeyError, err)
	}

	if err := l.openFile(); err != nil {
		return err
	}

	details, _ := json.Marshal(map[string]any{"previousFile": filepath.Base(l.backupName(1))})
	sentinel := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		Details:   details,
		PrevHash:  prevHashBeforeRotation,
	}
	sentinel.EntryHash = computeHash(sentinel)

	data, err := json.Marshal(sentinel)
	if err != nil {
		log.Errorw("rotation sentinel marshal failed, hash chain broken", logging.KeyError, err)
		l.dropped.Add(1)
		l.prevHash = "chain-broken"
		return nil
	}
	data = append(data, '\n')

	n, err := l.file.Write(data)
	if err != nil {
		log.Errorw("rotation sentinel write failed, hash chain broken", logging.KeyError, err)
		l.dropped.Add(1)
		l.prevHash = "chain-broken"
		return nil
	}
	l.written += int64(n)
	l.prevHash = sentinel.EntryHash
	return nil
}

func (l *Logger) backupName(index int) string {
	if index == 0 {
		return l.filePath
	}
	return fmt.Sprintf("%s.%d", l.filePath, index)
}
