package sink

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/devblac/event-tracker/internal/config"
	"github.com/devblac/event-tracker/internal/tracker"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSlackSenderRendersTemplate(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		got = string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender, err := NewSlackSender(server.URL, "ALERT {{.Tracker}} {{.Subscription}} {{short_addr .TxHash}}")
	if err != nil {
		t.Fatalf("sender: %v", err)
	}

	err = sender.Send(context.Background(), EventPayload{
		Tracker: "usdc", Subscription: "transfers", TxHash: "0x1234567890abcdef",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	var body struct {
		Text  string       `json:"text"`
		Event EventPayload `json:"event"`
	}
	if err := json.Unmarshal([]byte(got), &body); err != nil {
		t.Fatalf("decode body %s: %v", got, err)
	}
	if !strings.Contains(body.Text, "ALERT usdc transfers 0x1234") {
		t.Fatalf("unexpected text: %s", body.Text)
	}
	if body.Event.Subscription != "transfers" {
		t.Fatalf("event not embedded: %+v", body.Event)
	}
}

func TestWebhookStatusFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sender, err := NewWebhookSender(server.URL, http.MethodPost, "msg", nil)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	err = sender.Send(context.Background(), EventPayload{Tracker: "t"})
	if err == nil {
		t.Fatalf("expected error on 502")
	}
}

func TestPayloadFromEvent(t *testing.T) {
	topic := common.HexToHash("0x01")
	ev := tracker.Event{
		Name:        "transfers",
		BlockNumber: 12,
		TxIndex:     3,
		LogIndex:    4,
		Log: types.Log{
			Address: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
			Topics:  []common.Hash{topic},
			Data:    []byte{0xde, 0xad},
			TxHash:  common.HexToHash("0xbeef"),
		},
	}
	p := PayloadFromEvent("t1", ev)
	if p.Tracker != "t1" || p.Subscription != "transfers" || p.BlockNumber != 12 || p.TxIndex != 3 || p.LogIndex != 4 {
		t.Fatalf("unexpected payload %+v", p)
	}
	if p.Data != "0xdead" || len(p.Topics) != 1 || p.Topics[0] != topic.Hex() {
		t.Fatalf("unexpected log fields %+v", p)
	}
}

func TestLogSender(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sender, err := Build(config.Sink{ID: "l", Type: "log"}, zap.New(core))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := sender.Send(context.Background(), EventPayload{Tracker: "t", Subscription: "s", BlockNumber: 9}); err != nil {
		t.Fatalf("send: %v", err)
	}
	entries := logs.All()
	if len(entries) != 1 || !strings.Contains(entries[0].Message, "t/s block 9") {
		t.Fatalf("unexpected log entries %+v", entries)
	}
}

func TestBuildRejectsUnknownType(t *testing.T) {
	if _, err := Build(config.Sink{ID: "x", Type: "pager"}, nil); err == nil {
		t.Fatalf("expected error")
	}
}
