package lock

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/internal/etcdutil"
)

const releaseCleanupTimeout = 5 * time.Second

// EtcdManagerOptions configures the etcd-backed restart lock.
type EtcdManagerOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	TLS         *tls.Config
	Namespace   string
	LockKey     string
	// TTL bounds how long a crashed holder blocks other doctors.
	TTL time.Duration
	// Instance and Unit are written next to the lock so contending doctors
	// can report who holds it.
	Instance  string
	Unit      string
	ProcessID int
	Clock     func() time.Time
}

// EtcdManager serialises hard restarts across doctor replicas with an etcd
// mutex bound to a session lease.
type EtcdManager struct {
	client     *clientv3.Client
	key        string
	ttlSeconds int
	self       Holder
	now        func() time.Time
}

type holderRecord struct {
	Instance   string `json:"instance"`
	PID        int    `json:"pid"`
	Unit       string `json:"unit,omitempty"`
	AcquiredAt string `json:"acquired_at"`
}

// NewEtcdManager dials etcd and returns a restart lock manager.
func NewEtcdManager(opts EtcdManagerOptions) (*EtcdManager, error) {
	key := strings.TrimSpace(opts.LockKey)
	if key == "" {
		return nil, errors.New("restart lock requires a non-empty lock key")
	}
	if opts.TTL <= 0 {
		return nil, errors.New("restart lock requires a positive TTL")
	}
	instance := strings.TrimSpace(opts.Instance)
	if instance == "" {
		return nil, errors.New("restart lock requires an instance name")
	}
	pid := opts.ProcessID
	if pid <= 0 {
		pid = os.Getpid()
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
		client:     client,
		key:        etcdutil.Key(opts.Namespace, key),
		ttlSeconds: int(etcdutil.LeaseSeconds(opts.TTL)),
		self:       Holder{Instance: instance, PID: pid, Unit: strings.TrimSpace(opts.Unit)},
		now:        clock,
	}, nil
}

// Close releases the etcd client.
func (m *EtcdManager) Close() error {
	if m == nil {
		return nil
	}
	return m.client.Close()
}

// Acquire implements Manager. It never waits: a lock held elsewhere yields a
// *HeldError naming the holder. Every etcd call is bounded by ctx.
func (m *EtcdManager) Acquire(ctx context.Context) (Lease, error) {
	ctx = etcdutil.Linearizable(ctx)

	grant, err := m.client.Grant(ctx, int64(m.ttlSeconds))
	if err != nil {
		return nil, etcdutil.Wrap("grant lock lease", err)
	}
	// The keepalive outlives ctx and ends with Release.
	session, err := concurrency.NewSession(m.client, concurrency.WithTTL(m.ttlSeconds), concurrency.WithLease(grant.ID))
	if err != nil {
		m.revoke(grant.ID)
		return nil, etcdutil.Wrap("create lock session", err)
	}

	mutex := concurrency.NewMutex(session, m.key)
	if err := mutex.TryLock(ctx); err != nil {
		session.Orphan()
		m.revoke(session.Lease())
		if errors.Is(err, concurrency.ErrLocked) {
			holder, _ := m.Holder(ctx)
			return nil, &HeldError{Holder: holder}
		}
		return nil, etcdutil.Wrap("try restart lock", err)
	}

	lease := &etcdLease{client: m.client, session: session, mutex: mutex}
	if err := m.annotate(ctx, session, mutex.Key()); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), releaseCleanupTimeout)
		_ = lease.Release(cleanupCtx)
		cancel()
		return nil, etcdutil.Wrap("annotate restart lock", err)
	}
	return lease, nil
}

func (m *EtcdManager) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseCleanupTimeout)
	defer cancel()
	_, _ = m.client.Revoke(ctx, id)
}

// Holder reports the doctor currently holding the lock. The zero Holder means
// the lock is free or its holder has not annotated it yet.
func (m *EtcdManager) Holder(ctx context.Context) (Holder, error) {
	resp, err := m.client.Get(etcdutil.Linearizable(ctx), m.key+"/", clientv3.WithFirstCreate()...)
	if err != nil {
		return Holder{}, etcdutil.Wrap("read restart lock holder", err)
	}
	if len(resp.Kvs) == 0 || len(resp.Kvs[0].Value) == 0 {
		return Holder{}, nil
	}
	var record holderRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &record); err != nil {
		return Holder{}, etcdutil.Wrap("parse restart lock holder", err)
	}
	holder := Holder{Instance: record.Instance, PID: record.PID, Unit: record.Unit}
	if ts, err := time.Parse(time.RFC3339Nano, record.AcquiredAt); err == nil {
		holder.AcquiredAt = ts
	}
	return holder, nil
}

func (m *EtcdManager) annotate(ctx context.Context, session *concurrency.Session, key string) error {
	payload, err := json.Marshal(holderRecord{
		Instance:   m.self.Instance,
		PID:        m.self.PID,
		Unit:       m.self.Unit,
		AcquiredAt: m.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	_, err = session.Client().Put(ctx, key, string(payload), clientv3.WithLease(session.Lease()))
	return err
}

type etcdLease struct {
	client  *clientv3.Client
	session *concurrency.Session
	mutex   *concurrency.Mutex
}

// Release unlocks the mutex and revokes the session lease. Both steps always
// run and both are bounded by ctx.
func (l *etcdLease) Release(ctx context.Context) error {
	ctx = etcdutil.Linearizable(ctx)
	unlockErr := l.mutex.Unlock(ctx)
	l.session.Orphan()
	_, revokeErr := l.client.Revoke(ctx, l.session.Lease())

	if unlockErr != nil {
		return etcdutil.Wrap("unlock restart lock", unlockErr)
	}
	return etcdutil.Wrap("revoke lock lease", revokeErr)
}

var _ Manager = (*EtcdManager)(nil)
