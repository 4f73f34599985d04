package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"

	"github.com/uselesscalc/orchestrator/internal/config"
	"github.com/uselesscalc/orchestrator/internal/enricher"
	"github.com/uselesscalc/orchestrator/internal/event"
	"github.com/uselesscalc/orchestrator/internal/naming"
	"github.com/uselesscalc/orchestrator/internal/truncate"
)

// PutLogEvents limits.
const (
	cwMaxBatchEvents = 10000
	cwMaxBatchBytes  = 1048576
	cwEventOverhead  = 26
	cwMaxEventBytes  = 256*1024 - cwEventOverhead
	cwMaxBatchSpan   = 24 * time.Hour
)

// cloudWatchAPI is the subset of the CloudWatch Logs client used here.
type cloudWatchAPI interface {
	CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	DescribeLogStreams(ctx context.Context, params *cloudwatchlogs.DescribeLogStreamsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogStreamsOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// newCloudWatchClient can be replaced in tests.
var newCloudWatchClient = func(ctx context.Context, cfg config.CloudWatchConfig) (cloudWatchAPI, error) {
	// The SDK's own retryer is disabled; batcher.submit applies the retry policy.
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if awsCfg.Credentials == nil {
		return nil, errors.New("no AWS credentials provider configured")
	}
	if _, err := awsCfg.Credentials.Retrieve(ctx); err != nil {
		return nil, fmt.Errorf("failed to retrieve AWS credentials: %w", err)
	}
	return cloudwatchlogs.NewFromConfig(awsCfg, func(o *cloudwatchlogs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// cwTarget is one log group and stream pair.
type cwTarget struct {
	group  string
	stream string
}

// cwEntry is a prepared log event.
type cwEntry struct {
	message   string
	timestamp int64 // milliseconds since epoch
}

// CloudWatch ships events to a CloudWatch Logs style service: one log group per
// kind (/{env}/{app}/{kind}) and one stream per service, host and UTC day.
type CloudWatch struct {
	name     string
	cfg      config.CloudWatchConfig
	identity event.Identity
	batch    *batcher

	mu      sync.Mutex
	client  cloudWatchAPI
	groups  map[string]bool
	streams map[cwTarget]bool
}

// NewCloudWatch creates a CloudWatch destination. The client is created by Initialize.
func NewCloudWatch(cfg config.CloudWatchConfig, identity event.Identity, delivery config.DeliveryConfig) *CloudWatch {
	c := &CloudWatch{
		name:     "aws_cloudwatch",
		cfg:      cfg,
		identity: identity,
		groups:   make(map[string]bool),
		streams:  make(map[cwTarget]bool),
	}
	c.batch = newBatcher(c.name, delivery, c.sink)
	return c
}

// Name returns the destination name.
func (c *CloudWatch) Name() string { return c.name }

func (c *CloudWatch) setObserver(o Observer) { c.batch.setObserver(o) }

// Initialize creates the client and the three log groups for the identity.
func (c *CloudWatch) Initialize(ctx context.Context) error {
	client, err := newCloudWatchClient(ctx, c.cfg)
	if err != nil {
		return &InitError{Destination: c.name, Err: err}
	}
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	for _, kind := range event.Kinds {
		if err := c.ensureGroup(ctx, naming.LogGroup(c.identity, kind)); err != nil {
			return &InitError{Destination: c.name, Err: err}
		}
	}
	c.batch.start()
	return nil
}

// Write enqueues ev for the background flusher.
func (c *CloudWatch) Write(_ context.Context, ev event.Event) error {
	if err := c.batch.enqueue(ev); err != nil {
		return &WriteError{Destination: c.name, Attempts: 1, Err: err}
	}
	return nil
}

// Flush sends everything queued, bounded by ctx.
func (c *CloudWatch) Flush(ctx context.Context) error { return c.batch.flush(ctx) }

// Close stops the background flusher.
func (c *CloudWatch) Close() error {
	c.batch.close()
	return nil
}

// sink sorts a batch by timestamp, splits it per stream and service limits, and
// submits each request.
func (c *CloudWatch) sink(ctx context.Context, batch []event.Event) error {
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Timestamp.Before(batch[j].Timestamp)
	})

	var order []cwTarget
	byTarget := make(map[cwTarget][]cwEntry)
	for _, ev := range batch {
		entry, err := cwPrepare(ev)
		if err != nil {
			obs := c.batch.observer()
			obs.Dropped(c.name, ReasonInvalid, 1)
			obs.WriteFailed(c.name, &WriteError{Destination: c.name, Attempts: 1, Err: err})
			continue
		}
		t := cwTarget{
			group:  naming.LogGroup(ev.Identity, ev.Kind),
			stream: naming.LogStream(ev.Identity, ev.Timestamp),
		}
		if _, ok := byTarget[t]; !ok {
			order = append(order, t)
		}
		byTarget[t] = append(byTarget[t], entry)
	}

	var errs []error
	for _, t := range order {
		for _, chunk := range cwSplit(byTarget[t]) {
			t, chunk := t, chunk
			if err := c.batch.submit(ctx, len(chunk), func(ctx context.Context) error {
				return c.put(ctx, t, chunk)
			}); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// cwPrepare renders ev as a JSON message no larger than one CloudWatch event.
func cwPrepare(ev event.Event) (cwEntry, error) {
	record := enricher.Record(ev)
	if _, err := truncate.RecordIfNeeded(record, cwMaxEventBytes); err != nil {
		return cwEntry{}, err
	}
	b, err := json.Marshal(record)
	if err != nil {
		return cwEntry{}, fmt.Errorf("failed to marshal record to JSON: %w", err)
	}
	return cwEntry{message: string(b), timestamp: ev.Timestamp.UnixMilli()}, nil
}

// cwSplit cuts time-ordered entries into requests that respect the event count,
// byte size and 24h span limits.
func cwSplit(entries []cwEntry) [][]cwEntry {
	var (
		out   [][]cwEntry
		start int
		bytes int
	)
	for i, e := range entries {
		size := len(e.message) + cwEventOverhead
		if i > start {
			span := time.Duration(e.timestamp-entries[start].timestamp) * time.Millisecond
			if i-start >= cwMaxBatchEvents || bytes+size > cwMaxBatchBytes || span >= cwMaxBatchSpan {
				out = append(out, entries[start:i])
				start, bytes = i, 0
			}
		}
		bytes += size
	}
	if start < len(entries) {
		out = append(out, entries[start:])
	}
	return out
}

func (c *CloudWatch) put(ctx context.Context, t cwTarget, entries []cwEntry) error {
	client := c.apiClient()
	if err := c.ensureStream(ctx, client, t); err != nil {
		return err
	}

	events := make([]types.InputLogEvent, len(entries))
	for i, e := range entries {
		events[i] = types.InputLogEvent{
			Message:   aws.String(e.message),
			Timestamp: aws.Int64(e.timestamp),
		}
	}
	_, err := client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(t.group),
		LogStreamName: aws.String(t.stream),
		LogEvents:     events,
	})
	if err == nil {
		return nil
	}

	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		// Deleted behind our back; the next attempt recreates it.
		c.forget(t)
		return err
	}
	var invalid *types.InvalidParameterException
	if errors.As(err, &invalid) {
		return Permanent(err)
	}
	return err
}

func (c *CloudWatch) apiClient() cloudWatchAPI {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

func (c *CloudWatch) forget(t cwTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, t)
	delete(c.groups, t.group)
}

func (c *CloudWatch) ensureGroup(ctx context.Context, group string) error {
	c.mu.Lock()
	known := c.groups[group]
	client := c.client
	c.mu.Unlock()
	if known {
		return nil
	}

	_, err := client.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{LogGroupName: aws.String(group)})
	var exists *types.ResourceAlreadyExistsException
	if err != nil && !errors.As(err, &exists) {
		return fmt.Errorf("failed to create log group %s: %w", group, err)
	}

	c.mu.Lock()
	c.groups[group] = true
	c.mu.Unlock()
	return nil
}

func (c *CloudWatch) ensureStream(ctx context.Context, client cloudWatchAPI, t cwTarget) error {
	c.mu.Lock()
	known := c.streams[t]
	c.mu.Unlock()
	if known {
		return nil
	}
	if err := c.ensureGroup(ctx, t.group); err != nil {
		return err
	}

	out, err := client.DescribeLogStreams(ctx, &cloudwatchlogs.DescribeLogStreamsInput{
		LogGroupName:        aws.String(t.group),
		LogStreamNamePrefix: aws.String(t.stream),
	})
	if err != nil {
		return fmt.Errorf("failed to describe log streams in %s: %w", t.group, err)
	}
	found := false
	for _, s := range out.LogStreams {
		if aws.ToString(s.LogStreamName) == t.stream {
			found = true
			break
		}
	}
	if !found {
		_, err := client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
			LogGroupName:  aws.String(t.group),
			LogStreamName: aws.String(t.stream),
		})
		var exists *types.ResourceAlreadyExistsException
		if err != nil && !errors.As(err, &exists) {
			return fmt.Errorf("failed to create log stream %s/%s: %w", t.group, t.stream, err)
		}
	}

	c.mu.Lock()
	c.streams[t] = true
	c.mu.Unlock()
	return nil
}

// Ensure CloudWatch implements the Destination interface.
var _ Destination = (*CloudWatch)(nil)
