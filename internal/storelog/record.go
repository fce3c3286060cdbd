// ABOUTME: Store log record types and their one-line textual encoding
// ABOUTME: Encode and Decode are total and round-trip every record kind exactly

package storelog

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/2389/queue-relay/internal/store"
)

// ErrMalformed is returned by Decode for lines that are not a valid record
var ErrMalformed = errors.New("malformed store log record")

// Record is one committed queue store mutation. The set of records is closed:
// only the types in this file implement it.
type Record interface {
	tag() string
}

// CreateQueue records AddQueue with the full initial queue record.
type CreateQueue struct {
	Queue *store.QueueRec
}

// SecureQueue records the first time a sender key is set.
type SecureQueue struct {
	RecipientID []byte
	SenderKey   []byte
}

// AddNotifier records a new notifier binding.
type AddNotifier struct {
	RecipientID []byte
	Notifier    *store.NtfCreds
}

// DeleteNotifier records the removal of a notifier binding.
type DeleteNotifier struct {
	RecipientID []byte
}

// SuspendQueue records a queue becoming suspended.
type SuspendQueue struct {
	RecipientID []byte
}

// UpdateTime records a change of the queue's UpdatedAt.
type UpdateTime struct {
	RecipientID []byte
	UpdatedAt   time.Time
}

// DeleteQueue records queue deletion.
type DeleteQueue struct {
	RecipientID []byte
}

// Line tags
const (
	tagCreate         = "CREATE"
	tagSecure         = "SECURE"
	tagNotifier       = "NOTIFIER"
	tagDeleteNotifier = "DELETE_NOTIFIER"
	tagSuspend        = "SUSPEND"
	tagUpdateTime     = "UPDATE_TIME"
	tagDelete         = "DELETE"
)

func (CreateQueue) tag() string    { return tagCreate }
func (SecureQueue) tag() string    { return tagSecure }
func (AddNotifier) tag() string    { return tagNotifier }
func (DeleteNotifier) tag() string { return tagDeleteNotifier }
func (SuspendQueue) tag() string   { return tagSuspend }
func (UpdateTime) tag() string     { return tagUpdateTime }
func (DeleteQueue) tag() string    { return tagDelete }

// RecipientID returns the recipient id a record applies to.
func RecipientID(r Record) []byte {
	switch r := r.(type) {
	case CreateQueue:
		if r.Queue == nil {
			return nil
		}
		return r.Queue.RecipientID
	case SecureQueue:
		return r.RecipientID
	case AddNotifier:
		return r.RecipientID
	case DeleteNotifier:
		return r.RecipientID
	case SuspendQueue:
		return r.RecipientID
	case UpdateTime:
		return r.RecipientID
	case DeleteQueue:
		return r.RecipientID
	}
	panic(fmt.Sprintf("storelog: unknown record %T", r))
}

// Name returns the line tag of a record, for logs and metrics.
func Name(r Record) string {
	return r.tag()
}

var b64 = base64.RawURLEncoding

// lineWriter accumulates key=value fields of one line.
type lineWriter struct {
	sb strings.Builder
}

func (w *lineWriter) bytes(key string, v []byte) {
	w.sb.WriteByte(' ')
	w.sb.WriteString(key)
	w.sb.WriteByte('=')
	w.sb.WriteString(b64.EncodeToString(v))
}

func (w *lineWriter) text(key, v string) {
	w.sb.WriteByte(' ')
	w.sb.WriteString(key)
	w.sb.WriteByte('=')
	w.sb.WriteString(v)
}

func (w *lineWriter) time(key string, t time.Time) {
	w.text(key, strconv.FormatInt(t.Unix(), 10))
}

// Encode renders r as a single line without the trailing newline.
func Encode(r Record) string {
	var w lineWriter
	w.sb.WriteString(r.tag())

	switch r := r.(type) {
	case CreateQueue:
		q := r.Queue
		w.bytes("rid", q.RecipientID)
		w.bytes("rk", q.RecipientKey)
		w.bytes("sid", q.SenderID)
		if q.SenderKey != nil {
			w.bytes("sk", q.SenderKey)
		}
		if q.Notifier != nil {
			w.bytes("nid", q.Notifier.NotifierID)
			w.bytes("nk", q.Notifier.NotifierKey)
		}
		status := q.Status
		if status == "" {
			status = store.StatusActive
		}
		w.text("status", string(status))
		if !q.UpdatedAt.IsZero() {
			w.time("updated", q.UpdatedAt)
		}
	case SecureQueue:
		w.bytes("rid", r.RecipientID)
		w.bytes("sk", r.SenderKey)
	case AddNotifier:
		w.bytes("rid", r.RecipientID)
		w.bytes("nid", r.Notifier.NotifierID)
		w.bytes("nk", r.Notifier.NotifierKey)
	case DeleteNotifier:
		w.bytes("rid", r.RecipientID)
	case SuspendQueue:
		w.bytes("rid", r.RecipientID)
	case UpdateTime:
		w.bytes("rid", r.RecipientID)
		w.time("t", r.UpdatedAt)
	case DeleteQueue:
		w.bytes("rid", r.RecipientID)
	}
	return w.sb.String()
}

// fields holds the parsed key=value pairs of one line.
type fields struct {
	values map[string]string
	used   map[string]bool
}

func parseFields(parts []string) (*fields, error) {
	f := &fields{values: make(map[string]string, len(parts)), used: make(map[string]bool, len(parts))}
	for _, p := range parts {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("field %q is not key=value", p)
		}
		if _, dup := f.values[key]; dup {
			return nil, fmt.Errorf("duplicate field %q", key)
		}
		f.values[key] = value
	}
	return f, nil
}

func (f *fields) has(key string) bool {
	_, ok := f.values[key]
	return ok
}

func (f *fields) text(key string) (string, error) {
	v, ok := f.values[key]
	if !ok {
		return "", fmt.Errorf("missing field %q", key)
	}
	f.used[key] = true
	return v, nil
}

// bytes decodes a base64 field; an empty value decodes to nil.
func (f *fields) bytes(key string) ([]byte, error) {
	v, err := f.text(key)
	if err != nil {
		return nil, err
	}
	if v == "" {
		return nil, nil
	}
	b, err := b64.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", key, err)
	}
	return b, nil
}

// id decodes a base64 field that must not be empty.
func (f *fields) id(key string) ([]byte, error) {
	b, err := f.bytes(key)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("field %q is empty", key)
	}
	return b, nil
}

func (f *fields) time(key string) (time.Time, error) {
	v, err := f.text(key)
	if err != nil {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("field %q: %w", key, err)
	}
	return time.Unix(sec, 0).UTC(), nil
}

func (f *fields) checkUnused() error {
	for key := range f.values {
		if !f.used[key] {
			return fmt.Errorf("unexpected field %q", key)
		}
	}
	return nil
}

// Decode parses one line produced by Encode.
func Decode(line string) (Record, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrMalformed)
	}
	f, err := parseFields(parts[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	rec, err := decodeFields(parts[0], f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, parts[0], err)
	}
	if err := f.checkUnused(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, parts[0], err)
	}
	return rec, nil
}

func decodeFields(tag string, f *fields) (Record, error) {
	switch tag {
	case tagCreate:
		return decodeCreate(f)
	case tagSecure:
		rid, err := f.id("rid")
		if err != nil {
			return nil, err
		}
		sk, err := f.id("sk")
		if err != nil {
			return nil, err
		}
		return SecureQueue{RecipientID: rid, SenderKey: sk}, nil
	case tagNotifier:
		rid, err := f.id("rid")
		if err != nil {
			return nil, err
		}
		nid, err := f.id("nid")
		if err != nil {
			return nil, err
		}
		nk, err := f.bytes("nk")
		if err != nil {
			return nil, err
		}
		return AddNotifier{RecipientID: rid, Notifier: &store.NtfCreds{NotifierID: nid, NotifierKey: nk}}, nil
	case tagDeleteNotifier:
		rid, err := f.id("rid")
		if err != nil {
			return nil, err
		}
		return DeleteNotifier{RecipientID: rid}, nil
	case tagSuspend:
		rid, err := f.id("rid")
		if err != nil {
			return nil, err
		}
		return SuspendQueue{RecipientID: rid}, nil
	case tagUpdateTime:
		rid, err := f.id("rid")
		if err != nil {
			return nil, err
		}
		t, err := f.time("t")
		if err != nil {
			return nil, err
		}
		return UpdateTime{RecipientID: rid, UpdatedAt: t}, nil
	case tagDelete:
		rid, err := f.id("rid")
		if err != nil {
			return nil, err
		}
		return DeleteQueue{RecipientID: rid}, nil
	}
	return nil, errors.New("unknown record tag")
}

func decodeCreate(f *fields) (Record, error) {
	var (
		q   store.QueueRec
		err error
	)
	if q.RecipientID, err = f.id("rid"); err != nil {
		return nil, err
	}
	if q.RecipientKey, err = f.id("rk"); err != nil {
		return nil, err
	}
	if q.SenderID, err = f.id("sid"); err != nil {
		return nil, err
	}
	if f.has("sk") {
		if q.SenderKey, err = f.id("sk"); err != nil {
			return nil, err
		}
	}
	if f.has("nid") {
		ntf := &store.NtfCreds{}
		if ntf.NotifierID, err = f.id("nid"); err != nil {
			return nil, err
		}
		if ntf.NotifierKey, err = f.bytes("nk"); err != nil {
			return nil, err
		}
		q.Notifier = ntf
	}

	status, err := f.text("status")
	if err != nil {
		return nil, err
	}
	q.Status = store.QueueStatus(status)
	if !q.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}

	if f.has("updated") {
		if q.UpdatedAt, err = f.time("updated"); err != nil {
			return nil, err
		}
	}
	return CreateQueue{Queue: &q}, nil
}
