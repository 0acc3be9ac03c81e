package capnweb

import (
	"context"
	"strings"
	"testing"
)

func TestRpcSessionHandleMessagePushPull(t *testing.T) {
	target := NewBaseRpcTarget()
	target.Method("add", func(ctx context.Context, args []Value) (Value, error) {
		return Number(args[0].Number + args[1].Number), nil
	})
	rs := NewRpcSession(target)
	ctx := context.Background()

	reply, err := rs.HandleMessage(ctx, `["push",["pipeline",0,["add"],[2,3]]]`)
	if err != nil {
		t.Fatalf("HandleMessage(push): %v", err)
	}
	if reply != "" {
		t.Fatalf("push reply = %q, want empty", reply)
	}

	reply, err = rs.HandleMessage(ctx, `["pull",1]`)
	if err != nil {
		t.Fatalf("HandleMessage(pull): %v", err)
	}
	if !strings.Contains(reply, "resolve") || !strings.Contains(reply, "5") {
		t.Fatalf("reply = %q, want a resolve carrying 5", reply)
	}
}

func TestRpcSessionHandleMessageMalformedLine(t *testing.T) {
	rs := NewRpcSession(NewBaseRpcTarget())
	if _, err := rs.HandleMessage(context.Background(), `not json`); err == nil {
		t.Fatalf("expected parse error for malformed line")
	}
}

func TestApplyLineEmptyLineIsNoop(t *testing.T) {
	session := NewSession(nil)
	reply, err := applyLine(context.Background(), session, "")
	if err != nil {
		t.Fatalf("applyLine: %v", err)
	}
	if reply != "" {
		t.Fatalf("reply = %q, want empty", reply)
	}
}

func TestApplyLinePushHasNoReply(t *testing.T) {
	session := NewSession(nil)
	reply, err := applyLine(context.Background(), session, `["push","hello"]`)
	if err != nil {
		t.Fatalf("applyLine: %v", err)
	}
	if reply != "" {
		t.Fatalf("reply = %q, want empty for push", reply)
	}
}
