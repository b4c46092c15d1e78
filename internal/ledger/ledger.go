// Package ledger persists the relationship state of the managed account as
// newline-delimited text files, one file per set. The format is shared with
// earlier tooling, so it must stay line-oriented: one user id per line, and
// "<user_id>,<follow_epoch_seconds>" lines for the tracked-following file.
package ledger

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Names of the persisted sets. Each maps to "<name>.txt" in the state directory.
const (
	// Friends holds ids the engine must never follow or unfollow.
	// Maintained externally.
	Friends = "friends"
	// ScrapedFriends holds friends whose follower lists were already scraped.
	ScrapedFriends = "scraped_friends"
	// ToFollow is the ordered candidate queue.
	ToFollow = "to_follow"
	// TmpFollowing holds currently auto-followed users with follow timestamps.
	TmpFollowing = "tmp_following"
	// Unfollowed is the append-only unfollow history.
	Unfollowed = "unfollowed"
	// Skipped holds ids that are followed but never tracked for auto-unfollow.
	Skipped = "skipped"
	// Blacklist holds ids that must never enter the candidate queue.
	Blacklist = "blacklist"
)

var (
	// ErrInvariantViolated is returned by Verify when the persisted sets
	// contradict each other.
	ErrInvariantViolated = errors.New("ledger invariant violated")
)

// FollowRecord is one entry of the tracked-following file.
type FollowRecord struct {
	UserID     string
	FollowedAt time.Time
}

// Ledger reads and writes the relationship state files. All operations are
// synchronous full-file reads and atomic full-file rewrites; callers are
// expected to be a single sequential scheduler, never concurrent writers.
type Ledger struct {
	dir    string
	logger *zap.Logger
}

// New opens a ledger rooted at dir, creating the directory and any missing
// state files so first-run reads see empty sets instead of errors.
func New(dir string, logger *zap.Logger) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	l := &Ledger{
		dir:    dir,
		logger: logger.Named("ledger"),
	}

	for _, name := range []string{
		Friends, ScrapedFriends, ToFollow, TmpFollowing, Unfollowed, Skipped, Blacklist,
	} {
		path := l.path(name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, nil, 0o644); err != nil {
				return nil, fmt.Errorf("failed to create state file %s: %w", name, err)
			}
		}
	}

	return l, nil
}

// Queue returns the ordered lines of a state file. Line order is durable and
// doubles as follow order for FIFO unfollow decisions.
func (l *Ledger) Queue(name string) ([]string, error) {
	file, err := os.Open(l.path(name))
	if err != nil {
		return nil, fmt.Errorf("failed to open state file %s: %w", name, err)
	}
	defer file.Close()

	var lines []string

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading state file %s: %w", name, err)
	}

	return lines, nil
}

// Set returns the lines of a state file as an unordered set.
func (l *Ledger) Set(name string) (Set, error) {
	lines, err := l.Queue(name)
	if err != nil {
		return nil, err
	}

	return NewSet(lines...), nil
}

// Append adds one item to the end of a state file and flushes it to disk
// before returning.
func (l *Ledger) Append(name, item string) error {
	file, err := os.OpenFile(l.path(name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open state file %s: %w", name, err)
	}
	defer file.Close()

	if _, err := file.WriteString(item + "\n"); err != nil {
		return fmt.Errorf("failed to append to state file %s: %w", name, err)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync state file %s: %w", name, err)
	}

	return nil
}

// Remove rewrites a state file without any occurrence of item. Removing an
// absent item is a no-op, not an error.
func (l *Ledger) Remove(name, item string) error {
	lines, err := l.Queue(name)
	if err != nil {
		return err
	}

	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if line != item {
			kept = append(kept, line)
		}
	}

	if len(kept) == len(lines) {
		return nil
	}

	return l.Save(name, kept)
}

// Save atomically overwrites a state file with the given items. The write
// goes through a temp file in the same directory followed by a rename, so a
// crash mid-write never leaves a truncated file behind.
func (l *Ledger) Save(name string, items []string) error {
	tmp, err := os.CreateTemp(l.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}

	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	writer := bufio.NewWriter(tmp)
	for _, item := range items {
		if _, err := writer.WriteString(item + "\n"); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write state file %s: %w", name, err)
		}
	}

	if err := writer.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush state file %s: %w", name, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state file %s: %w", name, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file for %s: %w", name, err)
	}

	if err := os.Rename(tmpName, l.path(name)); err != nil {
		return fmt.Errorf("failed to replace state file %s: %w", name, err)
	}

	return nil
}

// Following returns the tracked-following records in follow order. Legacy
// lines without a timestamp parse with a zero time, which sorts them ahead of
// any timestamped record for oldest-first unfollow.
func (l *Ledger) Following() ([]FollowRecord, error) {
	lines, err := l.Queue(TmpFollowing)
	if err != nil {
		return nil, err
	}

	records := make([]FollowRecord, 0, len(lines))

	for _, line := range lines {
		userID, epoch, found := strings.Cut(line, ",")
		if !found {
			records = append(records, FollowRecord{UserID: line})
			continue
		}

		seconds, err := strconv.ParseInt(epoch, 10, 64)
		if err != nil {
			l.logger.Warn("Skipping malformed tracked-following line",
				zap.String("line", line),
				zap.Error(err))

			continue
		}

		records = append(records, FollowRecord{
			UserID:     userID,
			FollowedAt: time.Unix(seconds, 0),
		})
	}

	return records, nil
}

// AppendFollow records a new auto-followed user with its follow timestamp.
func (l *Ledger) AppendFollow(record FollowRecord) error {
	line := fmt.Sprintf("%s,%d", record.UserID, record.FollowedAt.Unix())
	return l.Append(TmpFollowing, line)
}

// RemoveFollow drops all tracked-following records for a user id. Absence is
// not an error; the ledger is reconciled opportunistically with platform truth.
func (l *Ledger) RemoveFollow(userID string) error {
	records, err := l.Following()
	if err != nil {
		return err
	}

	kept := make([]string, 0, len(records))
	removed := false

	for _, record := range records {
		if record.UserID == userID {
			removed = true
			continue
		}

		if record.FollowedAt.IsZero() {
			kept = append(kept, record.UserID)
		} else {
			kept = append(kept, fmt.Sprintf("%s,%d", record.UserID, record.FollowedAt.Unix()))
		}
	}

	if !removed {
		return nil
	}

	return l.Save(TmpFollowing, kept)
}

// Verify reloads every set and checks the cross-set invariants. It is run by
// the "ledger verify" command and after test scenarios.
func (l *Ledger) Verify() error {
	friends, err := l.Set(Friends)
	if err != nil {
		return err
	}

	toFollow, err := l.Queue(ToFollow)
	if err != nil {
		return err
	}

	records, err := l.Following()
	if err != nil {
		return err
	}

	following := NewSet()
	for _, record := range records {
		if following.Contains(record.UserID) {
			return fmt.Errorf("%w: duplicate tracked-following record for %q",
				ErrInvariantViolated, record.UserID)
		}

		following.Add(record.UserID)
	}

	seen := NewSet()

	for _, id := range toFollow {
		if seen.Contains(id) {
			return fmt.Errorf("%w: duplicate candidate %q", ErrInvariantViolated, id)
		}

		seen.Add(id)

		if following.Contains(id) {
			return fmt.Errorf("%w: %q is both a candidate and tracked as following",
				ErrInvariantViolated, id)
		}

		if friends.Contains(id) {
			return fmt.Errorf("%w: friend %q is queued as a candidate",
				ErrInvariantViolated, id)
		}
	}

	for id := range following {
		if friends.Contains(id) {
			return fmt.Errorf("%w: friend %q is tracked as auto-followed",
				ErrInvariantViolated, id)
		}
	}

	return nil
}

func (l *Ledger) path(name string) string {
	return filepath.Join(l.dir, name+".txt")
}
