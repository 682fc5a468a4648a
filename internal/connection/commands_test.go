package connection

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

// stubSender returns a fixed reply for every command.
type stubSender struct {
	command string
	params  any
	data    string
	err     error
}

func (s *stubSender) Send(ctx context.Context, command string, params any) (json.RawMessage, error) {
	s.command = command
	s.params = params
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(s.data), nil
}

func TestGetBlockHash(t *testing.T) {
	s := &stubSender{data: `{"hash":"ff00"}`}

	got, err := GetBlockHash(context.Background(), s, 42)
	if err != nil {
		t.Fatalf("GetBlockHash failed: %v", err)
	}
	if got.Hash != "ff00" {
		t.Errorf("Hash = %q, want %q", got.Hash, "ff00")
	}
	if s.command != CmdGetBlockHash {
		t.Errorf("command = %q, want %q", s.command, CmdGetBlockHash)
	}

	params, _ := json.Marshal(s.params)
	if string(params) != `{"height":42}` {
		t.Errorf("params = %s, want %s", params, `{"height":42}`)
	}
}

func TestCall_DecodeError(t *testing.T) {
	s := &stubSender{data: `"not an object"`}

	if _, err := GetServerInfo(context.Background(), s); err == nil {
		t.Error("expected decode error")
	}
}

func TestCall_PropagatesSendError(t *testing.T) {
	s := &stubSender{err: &RequestError{Command: CmdGetServerInfo, ID: "0", Err: ErrTimeout}}

	_, err := GetServerInfo(context.Background(), s)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}
