package statusboard

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/internal/etcdutil"
)

// EtcdBoardOptions configures the etcd-backed status board.
type EtcdBoardOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	Namespace   string
	Prefix      string
	TLS         *tls.Config
	Instance    string
	// TTL expires an instance's entry when it stops publishing. Zero keeps
	// entries until overwritten.
	TTL   time.Duration
	Clock func() time.Time
}

// EtcdBoard stores one key per doctor instance under a shared prefix.
type EtcdBoard struct {
	client       *clientv3.Client
	prefix       string
	instance     string
	instancePath string
	ttl          time.Duration
	now          func() time.Time
}

type entryPayload struct {
	Instance     string `json:"instance"`
	TickID       string `json:"tick_id,omitempty"`
	Result       string `json:"result"`
	HealthStatus string `json:"health_status,omitempty"`
	ErrorCount   *int   `json:"error_count,omitempty"`
	Action       string `json:"action,omitempty"`
	Detail       string `json:"detail,omitempty"`
	ReportedAt   string `json:"reported_at"`
}

// NewEtcdBoard constructs a status board backed by etcd. The instance name
// may be empty for read-only use.
func NewEtcdBoard(opts EtcdBoardOptions) (*EtcdBoard, error) {
	trimmedPrefix := strings.TrimSpace(opts.Prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "instances"
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	client, err := etcdutil.NewClient(etcdutil.ClientOptions{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
		TLS:         opts.TLS,
	})
	if err != nil {
		return nil, err
	}

	instance := strings.TrimSpace(opts.Instance)
	prefix := strings.TrimRight(etcdutil.Key(opts.Namespace, trimmedPrefix), "/")
	board := &EtcdBoard{
		client:   client,
		prefix:   prefix,
		instance: instance,
		ttl:      opts.TTL,
		now:      clock,
	}
	if instance != "" {
		board.instancePath = path.Join(prefix, instance)
	}
	return board, nil
}

// Close releases underlying client resources.
func (b *EtcdBoard) Close() error {
	if b == nil {
		return nil
	}
	return b.client.Close()
}

// Publish implements Board.
func (b *EtcdBoard) Publish(ctx context.Context, entry Entry) error {
	if b.instancePath == "" {
		return errors.New("status board has no instance name to publish under")
	}

	payload := entryPayload{
		Instance:     b.instance,
		TickID:       entry.TickID,
		Result:       entry.Result,
		HealthStatus: entry.HealthStatus,
		ErrorCount:   entry.ErrorCount,
		Action:       entry.Action,
		Detail:       entry.Detail,
		ReportedAt:   b.now().UTC().Format(time.RFC3339Nano),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx = etcdutil.Linearizable(ctx)
	var putOpts []clientv3.OpOption
	if b.ttl > 0 {
		lease, err := b.client.Grant(ctx, etcdutil.LeaseSeconds(b.ttl))
		if err != nil {
			return etcdutil.Wrap("grant status lease", err)
		}
		putOpts = append(putOpts, clientv3.WithLease(lease.ID))
	}
	_, err = b.client.Put(ctx, b.instancePath, string(encoded), putOpts...)
	return etcdutil.Wrap("store status entry", err)
}

// List implements Board.
func (b *EtcdBoard) List(ctx context.Context) ([]Entry, error) {
	prefix := b.prefix + "/"
	resp, err := b.client.Get(etcdutil.Linearizable(ctx), prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, etcdutil.Wrap("list status entries", err)
	}

	entries := make([]Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var payload entryPayload
		if err := json.Unmarshal(kv.Value, &payload); err != nil {
			return nil, fmt.Errorf("parse status payload: %w", err)
		}
		reportedAt, err := time.Parse(time.RFC3339Nano, payload.ReportedAt)
		if err != nil {
			return nil, fmt.Errorf("parse status timestamp: %w", err)
		}
		instance := payload.Instance
		if instance == "" {
			instance = strings.TrimPrefix(string(kv.Key), prefix)
		}
		entries = append(entries, Entry{
			Instance:     instance,
			TickID:       payload.TickID,
			Result:       payload.Result,
			HealthStatus: payload.HealthStatus,
			ErrorCount:   payload.ErrorCount,
			Action:       payload.Action,
			Detail:       payload.Detail,
			ReportedAt:   reportedAt,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Instance < entries[j].Instance })
	return entries, nil
}

var _ Board = (*EtcdBoard)(nil)
