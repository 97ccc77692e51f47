package loki

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Chichichkin/logshipper/internal/logging"
	"github.com/Chichichkin/logshipper/internal/logging/retry"
)

const pushPath = "/loki/api/v1/push"

// DefaultLabelKeys are context keys promoted to stream labels when their value is a string.
var DefaultLabelKeys = []string{"node", "namespace", "pod", "container", "file"}

type Config struct {
	URL        string
	APIKey     string
	Job        string
	LabelKeys  []string
	// MaxRetries is the number of retries after the first attempt; 0 disables retrying.
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
	Logger     *log.Logger
}

type Sender struct {
	baseURL    string
	apiKey     string
	job        string
	labelKeys  []string
	httpClient *http.Client
	logger     *log.Logger
	sync       logging.Sync
}

type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type Payload struct {
	Streams []Stream `json:"streams"`
}

type line struct {
	Message string          `json:"message"`
	Level   logging.Level   `json:"level"`
	Context logging.Context `json:"context,omitempty"`
}

func NewLokiSender(config Config) *Sender {
	if config.Job == "" {
		config.Job = "logshipper"
	}
	if config.LabelKeys == nil {
		config.LabelKeys = DefaultLabelKeys
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ls := &Sender{
		baseURL:   strings.TrimRight(config.URL, "/"),
		apiKey:    config.APIKey,
		job:       config.Job,
		labelKeys: config.LabelKeys,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: config.Logger,
	}
	ls.sync = retry.Wrap(ls.send, retry.Config{
		MaxTries:  retry.Attempts(config.MaxRetries),
		BaseDelay: config.RetryDelay,
		Logger:    config.Logger,
	})
	return ls
}

// Sync pushes entries to Loki, retrying failed requests. It satisfies logging.Sync.
func (ls *Sender) Sync(ctx context.Context, entries []logging.LogEntry) ([]logging.LogEntry, error) {
	if len(entries) == 0 {
		return entries, nil
	}
	return ls.sync(ctx, entries)
}

func (ls *Sender) send(ctx context.Context, entries []logging.LogEntry) ([]logging.LogEntry, error) {
	payload, err := ls.createPayload(entries)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	if err := ls.sendRequest(ctx, body); err != nil {
		return nil, err
	}

	ls.logger.Printf("Successfully sent batch of %d entries to Loki", len(entries))
	return entries, nil
}

func (ls *Sender) createPayload(entries []logging.LogEntry) (Payload, error) {
	streams := make(map[string]Stream)
	var keys []string

	for _, entry := range entries {
		labels := ls.createLabels(entry)
		streamKey := streamKey(labels)
		if _, exists := streams[streamKey]; !exists {
			// initializing new stream
			streams[streamKey] = Stream{
				Stream: labels,
				Values: [][2]string{},
			}
			keys = append(keys, streamKey)
		}

		text, err := ls.formatLine(entry)
		if err != nil {
			return Payload{}, err
		}

		stream := streams[streamKey]
		timestamp := fmt.Sprintf("%d", entry.Timestamp.UnixNano())
		stream.Values = append(stream.Values, [2]string{timestamp, text})
		streams[streamKey] = stream
	}

	payload := Payload{
		Streams: make([]Stream, 0, len(streams)),
	}

	for _, key := range keys {
		payload.Streams = append(payload.Streams, streams[key])
	}

	return payload, nil
}

func streamKey(labels map[string]string) string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, k := range names {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
		sb.WriteByte(',')
	}
	return sb.String()
}

func (ls *Sender) createLabels(entry logging.LogEntry) map[string]string {
	labels := map[string]string{
		"job":   ls.job,
		"level": entry.Level.String(),
	}

	for _, k := range ls.labelKeys {
		if v, ok := entry.Context[k].(string); ok && v != "" {
			labels[k] = v
		}
	}

	return labels
}

// formatLine encodes the message and the context fields not promoted to labels.
func (ls *Sender) formatLine(entry logging.LogEntry) (string, error) {
	l := line{Message: entry.Message, Level: entry.Level}
	for k, v := range entry.Context {
		if s, ok := v.(string); ok && s != "" && ls.isLabelKey(k) {
			continue
		}
		if l.Context == nil {
			l.Context = logging.Context{}
		}
		l.Context[k] = v
	}

	b, err := json.Marshal(l)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode log line")
	}
	return string(b), nil
}

func (ls *Sender) isLabelKey(key string) bool {
	for _, k := range ls.labelKeys {
		if k == key {
			return true
		}
	}
	return false
}

func (ls *Sender) sendRequest(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ls.baseURL+pushPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if ls.apiKey != "" {
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(ls.apiKey)))
	}

	resp, err := ls.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("loki returned status %d: %s", resp.StatusCode, string(responseBody))
	}

	return nil
}
