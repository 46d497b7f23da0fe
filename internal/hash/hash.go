package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"
)

// Genesis is the running hash of a topic with no messages.
const Genesis = "0000000000000000000000000000000000000000000000000000000000000000"

// Next folds one message into a topic's running hash. The result depends on
// the previous hash, the topic, the sequence number, the consensus time and
// the payload digest, so any rewrite of history changes every later hash.
func Next(previous, topic string, sequence uint64, consensusTime time.Time, payload []byte) string {
	payloadHash := sha256.Sum256(payload)

	h := sha256.New()
	h.Write([]byte(previous))
	h.Write([]byte(topic))

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], sequence)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(consensusTime.UnixNano()))
	h.Write(buf[:])
	h.Write(payloadHash[:])

	return hex.EncodeToString(h.Sum(nil))
}

// RunningHash tracks the head of one topic's hash chain.
type RunningHash struct {
	topic    string
	previous string
	sequence uint64
}

func NewRunningHash(topic, head string, sequence uint64) *RunningHash {
	if head == "" {
		head = Genesis
	}
	return &RunningHash{
		topic:    topic,
		previous: head,
		sequence: sequence,
	}
}

// Add appends a payload and returns its sequence number and new head.
func (rh *RunningHash) Add(consensusTime time.Time, payload []byte) (uint64, string) {
	rh.sequence++
	rh.previous = Next(rh.previous, rh.topic, rh.sequence, consensusTime, payload)
	return rh.sequence, rh.previous
}

func (rh *RunningHash) Head() string {
	return rh.previous
}

func (rh *RunningHash) Sequence() uint64 {
	return rh.sequence
}
