// Package telemetry sends metric lines and log entries to the ingest API
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitly/go-simplejson"
	"github.com/go-resty/resty/v2"
	"github.com/newrelic/infra-integrations-sdk/v3/log"
	"github.com/newrelic/nri-longquery/src/aggregator"
	"github.com/newrelic/nri-longquery/src/args"
	"github.com/newrelic/nri-longquery/src/models"
)

const (
	metricsIngestPath = "/api/v2/metrics/ingest"
	logsIngestPath    = "/api/v2/logs/ingest"

	authScheme = "Api-Token"
)

// ErrTransport is returned when a request fails or the backend answers with a non 2xx status
var ErrTransport = errors.New("telemetry transport error")

// Client posts to the ingest API. Requests are never retried here, whole iteration
// retries belong to the poll loop.
type Client struct {
	rc             *resty.Client
	metricsTimeout time.Duration
	logsTimeout    time.Duration
	batchSize      int
	now            func() time.Time
}

// NewClient creates a Client for the configured endpoint, authenticating every request with token
func NewClient(al *args.ArgumentList, token string) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(al.EndpointURL, "/")).
		SetAuthScheme(authScheme).
		SetAuthToken(token).
		SetRetryCount(0)

	batchSize := al.LogBatchSize
	if batchSize <= 0 || batchSize > args.LogBatchSizeMax {
		batchSize = args.LogBatchSizeMax
	}

	return &Client{
		rc:             rc,
		metricsTimeout: time.Duration(al.MetricsTimeout) * time.Second,
		logsTimeout:    time.Duration(al.LogsTimeout) * time.Second,
		batchSize:      batchSize,
		now:            time.Now,
	}
}

// SendMetrics posts lines as one line protocol body. Lines the backend rejects are
// logged as a warning and not resent.
func (c *Client) SendMetrics(ctx context.Context, lines []string) error {
	if len(lines) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.metricsTimeout)
	defer cancel()

	resp, err := c.rc.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/plain; charset=utf-8").
		SetBody(strings.Join(lines, "\n")).
		Post(metricsIngestPath)
	if err != nil {
		return fmt.Errorf("%w: posting metrics: %w", ErrTransport, err)
	}

	linesOk, linesInvalid, message := parseMetricsResponse(resp.Body())

	if !resp.IsSuccess() {
		// a 400 that accepted some lines is a partial success
		if resp.StatusCode() == 400 && linesOk > 0 {
			log.Warn("Metrics ingest accepted %d lines and rejected %d: %s", linesOk, linesInvalid, message)
			return nil
		}
		return fmt.Errorf("%w: metrics ingest returned %s: %s", ErrTransport, resp.Status(), strings.TrimSpace(resp.String()))
	}

	if linesInvalid > 0 {
		log.Warn("Metrics ingest rejected %d of %d lines: %s", linesInvalid, len(lines), message)
	} else {
		log.Debug("Metrics ingest accepted %d lines", len(lines))
	}
	return nil
}

func parseMetricsResponse(body []byte) (linesOk, linesInvalid int, message string) {
	if len(body) == 0 {
		return 0, 0, ""
	}
	js, err := simplejson.NewJson(body)
	if err != nil {
		log.Debug("Could not parse metrics ingest response: %s", err.Error())
		return 0, 0, ""
	}
	return js.Get("linesOk").MustInt(), js.Get("linesInvalid").MustInt(), js.GetPath("error", "message").MustString()
}

// SendLogs posts entries in batches. The first failed batch stops the send and the count
// of entries already accepted is returned with the error.
func (c *Client) SendLogs(ctx context.Context, entries []map[string]string) (int, error) {
	sent := 0
	for start := 0; start < len(entries); start += c.batchSize {
		end := min(start+c.batchSize, len(entries))
		batch := c.withTimestamps(entries[start:end])

		if err := c.postLogs(ctx, batch); err != nil {
			log.Error("Log batch %d-%d failed, %d of %d entries sent: %s", start, end, sent, len(entries), err.Error())
			return sent, err
		}
		sent += len(batch)
	}

	log.Debug("Sent %d log entries", sent)
	return sent, nil
}

func (c *Client) postLogs(ctx context.Context, batch []map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, c.logsTimeout)
	defer cancel()

	resp, err := c.rc.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json; charset=utf-8").
		SetBody(batch).
		Post(logsIngestPath)
	if err != nil {
		return fmt.Errorf("%w: posting logs: %w", ErrTransport, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w: logs ingest returned %s: %s", ErrTransport, resp.Status(), strings.TrimSpace(resp.String()))
	}
	return nil
}

// withTimestamps copies batch, adding a millisecond timestamp to entries that lack one
func (c *Client) withTimestamps(batch []map[string]string) []map[string]string {
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	out := make([]map[string]string, len(batch))
	for i, entry := range batch {
		e := make(map[string]string, len(entry)+1)
		for k, v := range entry {
			e[k] = v
		}
		if _, ok := e["timestamp"]; !ok {
			e["timestamp"] = ts
		}
		out[i] = e
	}
	return out
}

// SendLifecycle reports a collector lifecycle event as a single log entry
func (c *Client) SendLifecycle(ctx context.Context, event models.LifecycleEvent, dims aggregator.Dimensions) error {
	_, err := c.SendLogs(ctx, []map[string]string{aggregator.LifecycleEntry(event, dims)})
	return err
}
