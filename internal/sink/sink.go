package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/devblac/event-tracker/internal/config"
	"github.com/devblac/event-tracker/internal/tracker"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

// EventPayload is the data passed to sinks.
type EventPayload struct {
	Tracker      string   `json:"tracker"`
	Subscription string   `json:"subscription"`
	BlockNumber  uint64   `json:"block_number"`
	BlockHash    string   `json:"block_hash"`
	TxHash       string   `json:"tx_hash"`
	TxIndex      uint     `json:"tx_index"`
	LogIndex     uint     `json:"log_index"`
	Address      string   `json:"address"`
	Topics       []string `json:"topics"`
	Data         string   `json:"data"`
}

// PayloadFromEvent flattens a tracked event for templates and JSON bodies.
func PayloadFromEvent(trackerID string, ev tracker.Event) EventPayload {
	topics := make([]string, len(ev.Log.Topics))
	for i, t := range ev.Log.Topics {
		topics[i] = t.Hex()
	}
	return EventPayload{
		Tracker:      trackerID,
		Subscription: ev.Name,
		BlockNumber:  ev.BlockNumber,
		BlockHash:    ev.Log.BlockHash.Hex(),
		TxHash:       ev.Log.TxHash.Hex(),
		TxIndex:      ev.TxIndex,
		LogIndex:     ev.LogIndex,
		Address:      ev.Log.Address.Hex(),
		Topics:       topics,
		Data:         hexutil.Encode(ev.Log.Data),
	}
}

type Sender interface {
	Send(ctx context.Context, payload EventPayload) error
}

// Build constructs the sender described by a sink config entry.
func Build(cfg config.Sink, log *zap.Logger) (Sender, error) {
	switch strings.ToLower(cfg.Type) {
	case "slack":
		return NewSlackSender(cfg.WebhookURL, cfg.Template)
	case "teams":
		return NewTeamsSender(cfg.WebhookURL, cfg.Template)
	case "webhook":
		return NewWebhookSender(cfg.URL, cfg.Method, cfg.Template, map[string]string{
			"Content-Type": "application/json",
		})
	case "log":
		return NewLogSender(log, cfg.Template)
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Type)
	}
}

type httpSender struct {
	url     string
	method  string
	render  *template.Template
	client  *http.Client
	headers map[string]string
}

// NewWebhookSender builds a generic HTTP sink.
func NewWebhookSender(url, method, tmpl string, headers map[string]string) (Sender, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	t, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	return &httpSender{
		url:     url,
		method:  strings.ToUpper(method),
		render:  t,
		client:  defaultClient(),
		headers: headers,
	}, nil
}

// NewSlackSender builds a Slack-compatible webhook sink.
func NewSlackSender(url, tmpl string) (Sender, error) {
	return NewWebhookSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

// NewTeamsSender builds a Teams-compatible webhook sink.
func NewTeamsSender(url, tmpl string) (Sender, error) {
	// Teams accepts simple {text: "..."} payloads.
	return NewWebhookSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

func (s *httpSender) Send(ctx context.Context, payload EventPayload) error {
	bodyStr, err := executeTemplate(s.render, payload)
	if err != nil {
		return err
	}
	reqBody, err := json.Marshal(struct {
		Text  string       `json:"text"`
		Event EventPayload `json:"event"`
	}{Text: bodyStr, Event: payload})
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sink http status %d", resp.StatusCode)
	}
	return nil
}

type logSender struct {
	log    *zap.Logger
	render *template.Template
}

// NewLogSender writes each event as a structured log line.
func NewLogSender(log *zap.Logger, tmpl string) (Sender, error) {
	if log == nil {
		log = zap.NewNop()
	}
	t, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	return &logSender{log: log, render: t}, nil
}

func (s *logSender) Send(_ context.Context, p EventPayload) error {
	msg, err := executeTemplate(s.render, p)
	if err != nil {
		return err
	}
	s.log.Info(msg,
		zap.String("subscription", p.Subscription),
		zap.Uint64("block", p.BlockNumber),
		zap.Uint("tx_index", p.TxIndex),
		zap.Uint("log_index", p.LogIndex),
		zap.String("tx_hash", p.TxHash),
		zap.String("address", p.Address))
	return nil
}

func parseTemplate(tmpl string) (*template.Template, error) {
	if tmpl == "" {
		tmpl = "EVENT {{.Tracker}}/{{.Subscription}} block {{.BlockNumber}} {{.TxHash}}"
	}
	funcs := template.FuncMap{
		"pretty_json": func(v any) string {
			out, _ := json.MarshalIndent(v, "", "  ")
			return string(out)
		},
		"short_addr": func(addr string) string {
			if len(addr) <= 10 {
				return addr
			}
			return addr[:6] + "..." + addr[len(addr)-4:]
		},
	}
	return template.New("msg").Funcs(funcs).Parse(tmpl)
}

func executeTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func defaultClient() *http.Client {
	return &http.Client{
		Timeout: 8 * time.Second,
	}
}
