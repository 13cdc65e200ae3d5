package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelope_Validate(t *testing.T) {
	now := time.Now().UTC()

	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{
			name: "valid hello",
			env:  Envelope{V: Version, Type: TypeHello, ID: "e1", TS: now},
		},
		{
			name: "valid message_new",
			env:  Envelope{V: Version, Type: TypeMessageNew, ID: "e2", TS: now},
		},
		{
			name:    "missing version",
			env:     Envelope{Type: TypeHello},
			wantErr: true,
		},
		{
			name:    "wrong version",
			env:     Envelope{V: "v0", Type: TypeHello},
			wantErr: true,
		},
		{
			name:    "missing type",
			env:     Envelope{V: Version},
			wantErr: true,
		},
		{
			name:    "unknown type",
			env:     Envelope{V: Version, Type: "message.delete"},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.env.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestEnvelope_RoundTripPreservesPayload(t *testing.T) {
	payload, err := json.Marshal(MessageSendPayload{
		ConversationID: "c1",
		ClientMsgID:    "m1",
		Text:           "hello",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	env := Envelope{V: Version, Type: TypeMessageSend, ID: "e1", TS: time.Now().UTC(), Payload: payload}

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var got Envelope
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	var p MessageSendPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.ConversationID != "c1" || p.ClientMsgID != "m1" || p.Text != "hello" {
		t.Fatalf("payload mismatch: %+v", p)
	}
}
