// ABOUTME: Store log replay into a QueueStore using the live mutation operations
// ABOUTME: Malformed lines and conflicting records are logged and skipped, never fatal

package storelog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/2389/queue-relay/internal/store"
)

// maxLineSize bounds a single log line; records are far smaller.
const maxLineSize = 1 << 20

// maxIssueText is how much of an overlong line is kept for reporting.
const maxIssueText = 256

// ErrLineTooLong marks a line longer than maxLineSize. The line is skipped.
var ErrLineTooLong = errors.New("store log line too long")

// maxIssues caps how many skipped lines ReplayStats keeps for reporting.
const maxIssues = 100

// ReplayIssue describes one skipped line.
type ReplayIssue struct {
	Line int
	Text string
	Err  error
}

// ReplayStats summarises a replay.
type ReplayStats struct {
	Lines     int            // non-empty lines read
	Applied   int            // records applied to the store
	Malformed int            // lines that failed to decode
	Skipped   int            // decoded records rejected by the store
	ByRecord  map[string]int // applied records per tag
	Issues    []ReplayIssue  // first maxIssues malformed or skipped lines
}

func (s *ReplayStats) issue(line int, text string, err error) {
	if len(s.Issues) < maxIssues {
		s.Issues = append(s.Issues, ReplayIssue{Line: line, Text: text, Err: err})
	}
}

// Replay reads records from r and applies them to s in order.
// It returns an error only when reading fails or ctx is cancelled.
func Replay(ctx context.Context, r io.Reader, s store.QueueStore, logger *slog.Logger) (*ReplayStats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	stats := &ReplayStats{ByRecord: make(map[string]int)}

	br := bufio.NewReader(r)

	lineNo := 0
	for {
		raw, size, err := readLine(br)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("reading store log at line %d: %w", lineNo+1, err)
		}
		lineNo++
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if size == 0 {
			continue
		}
		stats.Lines++

		if size > maxLineSize {
			stats.Malformed++
			err := fmt.Errorf("%w: %w: %d bytes", ErrMalformed, ErrLineTooLong, size)
			stats.issue(lineNo, string(raw), err)
			logger.Warn("skipping overlong store log line", "line", lineNo, "size", size)
			continue
		}

		line := string(raw)

		rec, err := Decode(line)
		if err != nil {
			stats.Malformed++
			stats.issue(lineNo, line, err)
			logger.Warn("skipping malformed store log line", "line", lineNo, "text", line, "error", err)
			continue
		}

		if err := Apply(ctx, s, rec); err != nil {
			stats.Skipped++
			stats.issue(lineNo, line, err)
			logger.Warn("skipping store log record",
				"line", lineNo,
				"record", Name(rec),
				"recipient_id", fmt.Sprintf("%x", RecipientID(rec)),
				"error", err,
			)
			continue
		}
		stats.Applied++
		stats.ByRecord[Name(rec)]++
	}
	return stats, nil
}

// readLine returns the next line without its terminator and its full size.
// A line over maxLineSize is consumed to its end but only its first
// maxIssueText bytes are returned. io.EOF is returned once no data is left.
func readLine(br *bufio.Reader) ([]byte, int, error) {
	var (
		line []byte
		size int
	)
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if size > 0 && errors.Is(err, io.EOF) {
				return line, size, nil
			}
			return line, size, err
		}
		size += len(chunk)
		if size <= maxLineSize {
			line = append(line, chunk...)
		} else if len(line) > maxIssueText {
			line = line[:maxIssueText]
		} else if len(line) < maxIssueText {
			line = append(line, chunk[:min(len(chunk), maxIssueText-len(line))]...)
		}
		if !isPrefix {
			return line, size, nil
		}
	}
}

// Apply performs the mutation described by rec on s.
func Apply(ctx context.Context, s store.QueueStore, rec Record) error {
	if c, ok := rec.(CreateQueue); ok {
		_, err := s.AddQueue(ctx, c.Queue)
		return err
	}

	q, err := s.GetQueue(ctx, store.RoleRecipient, RecipientID(rec))
	if err != nil {
		return err
	}

	switch r := rec.(type) {
	case SecureQueue:
		_, err = s.SecureQueue(ctx, q, r.SenderKey)
	case AddNotifier:
		_, err = s.AddQueueNotifier(ctx, q, r.Notifier)
	case DeleteNotifier:
		_, err = s.DeleteQueueNotifier(ctx, q)
	case SuspendQueue:
		_, err = s.SuspendQueue(ctx, q)
	case UpdateTime:
		_, _, err = s.UpdateQueueTime(ctx, q, r.UpdatedAt)
	case DeleteQueue:
		var mq store.MessageQueue
		_, mq, err = s.DeleteQueue(ctx, q)
		if err == nil && mq != nil {
			err = mq.Close()
		}
	default:
		err = errors.New("unsupported record")
	}
	return err
}
