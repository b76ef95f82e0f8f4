package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextTxnIDIsDeterministicForTheSamePayloadSet(t *testing.T) {
	pdus := []json.RawMessage{[]byte(`{"event_id":"$a"}`), []byte(`{"event_id":"$b"}`)}
	edus := []json.RawMessage{[]byte(`{"edu_type":"m.typing"}`)}

	first := nextTxnID("origin.test", pdus, edus)
	second := nextTxnID("origin.test", pdus, edus)
	assert.Equal(t, first, second, "re-sending the same batch must reuse the same transaction id")
}

func TestNextTxnIDIsOrderIndependent(t *testing.T) {
	pdus := []json.RawMessage{[]byte(`{"event_id":"$a"}`), []byte(`{"event_id":"$b"}`)}
	reordered := []json.RawMessage{[]byte(`{"event_id":"$b"}`), []byte(`{"event_id":"$a"}`)}

	a := nextTxnID("origin.test", pdus, nil)
	b := nextTxnID("origin.test", reordered, nil)
	assert.Equal(t, a, b)
}

func TestNextTxnIDDiffersForDifferentPayloads(t *testing.T) {
	a := nextTxnID("origin.test", []json.RawMessage{[]byte(`{"event_id":"$a"}`)}, nil)
	b := nextTxnID("origin.test", []json.RawMessage{[]byte(`{"event_id":"$c"}`)}, nil)
	assert.NotEqual(t, a, b)
}

func TestNextTxnIDDiffersByOrigin(t *testing.T) {
	pdus := []json.RawMessage{[]byte(`{"event_id":"$a"}`)}
	a := nextTxnID("origin-one.test", pdus, nil)
	b := nextTxnID("origin-two.test", pdus, nil)
	assert.NotEqual(t, a, b)
}
