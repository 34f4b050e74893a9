package node

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"
)

func TestLengthPrefixedRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"text", []byte("hello")},
		{"json", []byte(`{"type":"round1","trade_id":"t"}`)},
		{"binary", []byte{0x00, 0xff, 0x10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeLengthPrefixed(&buf, tt.data); err != nil {
				t.Fatalf("writeLengthPrefixed() error = %v", err)
			}
			if n := binary.BigEndian.Uint32(buf.Bytes()[:4]); int(n) != len(tt.data) {
				t.Errorf("length prefix = %d, want %d", n, len(tt.data))
			}
			got, err := readLengthPrefixed(&buf)
			if err != nil {
				t.Fatalf("readLengthPrefixed() error = %v", err)
			}
			if !bytes.Equal(got, tt.data) {
				t.Errorf("got %x, want %x", got, tt.data)
			}
		})
	}
}

func TestLengthPrefixedErrors(t *testing.T) {
	if err := writeLengthPrefixed(&bytes.Buffer{}, make([]byte, maxMessageSize+1)); err == nil {
		t.Error("oversized write accepted")
	}

	tests := []struct {
		name   string
		header uint32
		body   []byte
	}{
		{"too large", maxMessageSize + 1, []byte("x")},
		{"truncated", 100, []byte("short")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			binary.Write(&buf, binary.BigEndian, tt.header)
			buf.Write(tt.body)
			if _, err := readLengthPrefixed(&buf); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := readLengthPrefixed(bytes.NewReader(nil)); err == nil {
		t.Error("read without header succeeded")
	}
}

func TestLengthPrefixedSequence(t *testing.T) {
	msgs := []string{`{"type":"round1"}`, `{"type":"round2"}`, `{"type":"round3"}`}
	var buf bytes.Buffer
	for _, m := range msgs {
		if err := writeLengthPrefixed(&buf, []byte(m)); err != nil {
			t.Fatal(err)
		}
	}
	for i, want := range msgs {
		got, err := readLengthPrefixed(&buf)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if string(got) != want {
			t.Errorf("message %d = %s, want %s", i, got, want)
		}
	}
}

func TestAckMessage(t *testing.T) {
	self := newPeerID(t)
	msg := newAckMessage(self, AckPayload{MessageID: "m1", Seq: 3, Error: "bad nonce"})
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	ack, err := parseAck(data)
	if err != nil {
		t.Fatalf("parseAck() error = %v", err)
	}
	if ack.MessageID != "m1" || ack.Seq != 3 || ack.Success || ack.Error != "bad nonce" {
		t.Errorf("ack = %+v", ack)
	}

	notAck, _ := json.Marshal(&TradeMessage{Type: MsgRound1})
	if _, err := parseAck(notAck); err == nil {
		t.Error("round1 message parsed as ACK")
	}
}

func TestInboundDispatch(t *testing.T) {
	store := newTestStore(t)
	in := newInbound(store, testLogger())
	from := newPeerID(t)

	var calls int
	in.register(MsgRound2, func(ctx context.Context, msg *TradeMessage) error {
		calls++
		if msg.Seq == 2 {
			return errors.New("invalid nonce")
		}
		return nil
	})

	msg := &TradeMessage{Type: MsgRound2, TradeID: "t1", FromPeer: from.String(), MessageID: "a", Seq: 1}
	if ack := in.handle(context.Background(), from, msg); !ack.Success || ack.MessageID != "a" {
		t.Fatalf("ack = %+v", ack)
	}
	// A duplicate is acked without running the handler again.
	if ack := in.handle(context.Background(), from, msg); !ack.Success {
		t.Errorf("duplicate ack = %+v", ack)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times", calls)
	}
	rec, err := store.GetInboxMessage("a")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ProcessedAt.IsZero() {
		t.Error("message not marked processed")
	}

	failing := &TradeMessage{Type: MsgRound2, TradeID: "t1", FromPeer: from.String(), MessageID: "b", Seq: 2}
	if ack := in.handle(context.Background(), from, failing); ack.Success || ack.Error != "invalid nonce" {
		t.Errorf("failing ack = %+v", ack)
	}
	seqs, err := store.GetSequences("t1")
	if err != nil {
		t.Fatal(err)
	}
	if seqs.Remote != 2 {
		t.Errorf("remote sequence = %d, want 2", seqs.Remote)
	}

	unknown := &TradeMessage{Type: MsgRound4, TradeID: "t1", FromPeer: from.String(), MessageID: "c"}
	if ack := in.handle(context.Background(), from, unknown); ack.Success {
		t.Error("message without handler acked")
	}

	spoofed := &TradeMessage{Type: MsgRound2, TradeID: "t1", FromPeer: newPeerID(t).String(), MessageID: "d"}
	if ack := in.handle(context.Background(), from, spoofed); ack.Success {
		t.Error("spoofed sender acked")
	}
	if calls != 2 {
		t.Errorf("handler ran %d times, want 2", calls)
	}
}

func TestMessageTypeRounds(t *testing.T) {
	for n := 1; n <= 4; n++ {
		typ, err := RoundMessageType(n)
		if err != nil {
			t.Fatalf("RoundMessageType(%d) error = %v", n, err)
		}
		if typ.Round() != n {
			t.Errorf("%s.Round() = %d", typ, typ.Round())
		}
	}
	if _, err := RoundMessageType(5); err == nil {
		t.Error("round 5 has no message of its own")
	}
	if MsgAck.Round() != 0 {
		t.Error("ack belongs to a round")
	}
}

func TestTradeMessageDecode(t *testing.T) {
	msg, err := NewTradeMessage(MsgAbort, "t1", AbortPayload{Reason: "timeout"})
	if err != nil {
		t.Fatal(err)
	}
	var p AbortPayload
	if err := msg.Decode(&p); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if p.Reason != "timeout" {
		t.Errorf("reason = %q", p.Reason)
	}

	empty, _ := NewTradeMessage(MsgAbort, "t1", nil)
	if err := empty.Decode(&p); err == nil {
		t.Error("Decode() of empty payload succeeded")
	}
}
