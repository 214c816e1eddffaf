package cooldown

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/internal/etcdutil"
)

const revokeTimeout = 2 * time.Second

// EtcdManagerOptions configures the etcd-backed cooldown.
type EtcdManagerOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	TLS         *tls.Config
	Namespace   string
	Key         string
	Instance    string
	Unit        string
	Clock       func() time.Time
}

// EtcdManager stores the cooldown window under a single key attached to a
// lease of the window's length. Every doctor replica watching the unit sees the
// same window, and etcd removes it when the lease expires.
type EtcdManager struct {
	client   *clientv3.Client
	key      string
	instance string
	unit     string
	now      func() time.Time
}

type windowRecord struct {
	Instance  string `json:"instance"`
	Unit      string `json:"unit,omitempty"`
	StartedAt string `json:"started_at"`
	ExpiresAt string `json:"expires_at"`
}

// NewEtcdManager dials etcd and returns a shared cooldown manager.
func NewEtcdManager(opts EtcdManagerOptions) (*EtcdManager, error) {
	key := strings.TrimSpace(opts.Key)
	if key == "" {
		return nil, errors.New("restart cooldown requires a key")
	}
	instance := strings.TrimSpace(opts.Instance)
	if instance == "" {
		return nil, errors.New("restart cooldown requires an instance name")
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
	return &EtcdManager{
		client:   client,
		key:      etcdutil.Key(opts.Namespace, key),
		instance: instance,
		unit:     strings.TrimSpace(opts.Unit),
		now:      clock,
	}, nil
}

// Close releases the etcd client.
func (m *EtcdManager) Close() error {
	if m == nil {
		return nil
	}
	return m.client.Close()
}

// Status implements Manager. The remaining time comes from the lease TTL held
// by etcd, so doctors with skewed clocks agree on when the window ends.
func (m *EtcdManager) Status(ctx context.Context) (Status, error) {
	ctx = etcdutil.Linearizable(ctx)
	resp, err := m.client.Get(ctx, m.key)
	if err != nil {
		return Status{}, etcdutil.Wrap("read cooldown key", err)
	}
	if len(resp.Kvs) == 0 {
		return Status{}, nil
	}
	kv := resp.Kvs[0]

	var record windowRecord
	if err := json.Unmarshal(kv.Value, &record); err != nil {
		return Status{}, fmt.Errorf("parse cooldown record: %w", err)
	}
	status := Status{Active: true, Instance: record.Instance, Unit: record.Unit}
	if status.StartedAt, err = time.Parse(time.RFC3339Nano, record.StartedAt); err != nil {
		return Status{}, fmt.Errorf("parse cooldown start: %w", err)
	}
	if status.ExpiresAt, err = time.Parse(time.RFC3339Nano, record.ExpiresAt); err != nil {
		return Status{}, fmt.Errorf("parse cooldown expiry: %w", err)
	}

	if kv.Lease == 0 {
		status.Remaining = status.ExpiresAt.Sub(m.now())
	} else {
		ttl, err := m.client.TimeToLive(ctx, clientv3.LeaseID(kv.Lease))
		if err != nil {
			return Status{}, etcdutil.Wrap("query cooldown lease", err)
		}
		status.Remaining = time.Duration(ttl.TTL) * time.Second
	}
	if status.Remaining <= 0 {
		return Status{}, nil
	}
	return status, nil
}

// Start implements Manager.
func (m *EtcdManager) Start(ctx context.Context, duration time.Duration) error {
	ctx = etcdutil.Linearizable(ctx)
	if duration <= 0 {
		_, err := m.client.Delete(ctx, m.key)
		return etcdutil.Wrap("clear cooldown key", err)
	}

	seconds := etcdutil.LeaseSeconds(duration)
	started := m.now().UTC()
	payload, err := json.Marshal(windowRecord{
		Instance:  m.instance,
		Unit:      m.unit,
		StartedAt: started.Format(time.RFC3339Nano),
		ExpiresAt: started.Add(time.Duration(seconds) * time.Second).Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}

	lease, err := m.client.Grant(ctx, seconds)
	if err != nil {
		return etcdutil.Wrap("grant cooldown lease", err)
	}
	if _, err := m.client.Put(ctx, m.key, string(payload), clientv3.WithLease(lease.ID)); err != nil {
		revokeCtx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
		_, _ = m.client.Revoke(revokeCtx, lease.ID)
		cancel()
		return etcdutil.Wrap("store cooldown record", err)
	}
	return nil
}

var _ Manager = (*EtcdManager)(nil)
