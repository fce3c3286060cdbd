// ABOUTME: Tests for store log record encoding and decoding
// ABOUTME: Covers round trips of every record kind and rejection of malformed lines

package storelog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/queue-relay/internal/store"
)

func fullQueue() *store.QueueRec {
	return &store.QueueRec{
		RecipientID:  []byte{0x00, 0x01, 0xfe, 0xff},
		RecipientKey: []byte("recipient key with spaces"),
		SenderID:     []byte("sid\nwith newline"),
		SenderKey:    []byte("sender=key"),
		Notifier:     &store.NtfCreds{NotifierID: []byte("nid"), NotifierKey: []byte("nkey")},
		Status:       store.StatusSuspended,
		UpdatedAt:    time.Unix(1_760_000_000, 0).UTC(),
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	rid := []byte("rid-1")
	tests := []struct {
		name string
		rec  Record
	}{
		{"create full", CreateQueue{Queue: fullQueue()}},
		{"create minimal", CreateQueue{Queue: &store.QueueRec{
			RecipientID:  rid,
			RecipientKey: []byte("rk"),
			SenderID:     []byte("sid"),
			Status:       store.StatusActive,
		}}},
		{"create notifier without key", CreateQueue{Queue: &store.QueueRec{
			RecipientID:  rid,
			RecipientKey: []byte("rk"),
			SenderID:     []byte("sid"),
			Notifier:     &store.NtfCreds{NotifierID: []byte("nid")},
			Status:       store.StatusActive,
		}}},
		{"secure", SecureQueue{RecipientID: rid, SenderKey: []byte("sk")}},
		{"notifier", AddNotifier{RecipientID: rid, Notifier: &store.NtfCreds{NotifierID: []byte("n"), NotifierKey: []byte("k")}}},
		{"delete notifier", DeleteNotifier{RecipientID: rid}},
		{"suspend", SuspendQueue{RecipientID: rid}},
		{"update time", UpdateTime{RecipientID: rid, UpdatedAt: time.Unix(1_700_000_000, 0).UTC()}},
		{"delete", DeleteQueue{RecipientID: rid}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := Encode(tt.rec)
			assert.NotContains(t, line, "\n")

			got, err := Decode(line)
			require.NoError(t, err, "line %q", line)

			if c, ok := tt.rec.(CreateQueue); ok {
				gotCreate, ok := got.(CreateQueue)
				require.True(t, ok, "decoded %T", got)
				assert.True(t, c.Queue.Equal(gotCreate.Queue), "got %+v", gotCreate.Queue)
				return
			}
			assert.Equal(t, tt.rec, got)
		})
	}
}

func TestEncode_Format(t *testing.T) {
	assert.Equal(t, "DELETE rid=YWJj", Encode(DeleteQueue{RecipientID: []byte("abc")}))
	assert.Equal(t, "UPDATE_TIME rid=YWJj t=1700000000", Encode(UpdateTime{
		RecipientID: []byte("abc"),
		UpdatedAt:   time.Unix(1_700_000_000, 0),
	}))
	assert.Equal(t,
		"CREATE rid=YWJj rk=cms sid=c2lk status=active",
		Encode(CreateQueue{Queue: &store.QueueRec{RecipientID: []byte("abc"), RecipientKey: []byte("rk"), SenderID: []byte("sid")}}),
	)
}

func TestDecode_Malformed(t *testing.T) {
	lines := map[string]string{
		"empty":              "   ",
		"unknown tag":        "RENAME rid=YWJj",
		"lowercase tag":      "delete rid=YWJj",
		"missing rid":        "SUSPEND",
		"empty rid":          "SUSPEND rid=",
		"bad base64":         "SUSPEND rid=***",
		"not key value":      "SUSPEND YWJj",
		"duplicate field":    "SUSPEND rid=YWJj rid=YWJj",
		"unexpected field":   "SUSPEND rid=YWJj extra=1",
		"bad time":           "UPDATE_TIME rid=YWJj t=yesterday",
		"secure without key": "SECURE rid=YWJj",
		"bad status":         "CREATE rid=YWJj rk=cms sid=c2lk status=gone",
		"create missing sid": "CREATE rid=YWJj rk=cms status=active",
		"notifier key only":  "CREATE rid=YWJj rk=cms sid=c2lk nk=bms status=active",
	}
	for name, line := range lines {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(line)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestRecipientIDAndName(t *testing.T) {
	rid := []byte("r")
	records := []Record{
		CreateQueue{Queue: &store.QueueRec{RecipientID: rid}},
		SecureQueue{RecipientID: rid},
		AddNotifier{RecipientID: rid},
		DeleteNotifier{RecipientID: rid},
		SuspendQueue{RecipientID: rid},
		UpdateTime{RecipientID: rid},
		DeleteQueue{RecipientID: rid},
	}
	names := map[string]bool{}
	for _, r := range records {
		assert.Equal(t, rid, RecipientID(r))
		names[Name(r)] = true
	}
	assert.Len(t, names, len(records), "every record kind has its own tag")
}
