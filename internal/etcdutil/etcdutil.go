// Package etcdutil holds the etcd client plumbing shared by the restart lock,
// the restart cooldown and the status board.
package etcdutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultDialTimeout applies when ClientOptions.DialTimeout is unset.
const DefaultDialTimeout = 5 * time.Second

// ClientOptions describes how to reach the etcd cluster.
type ClientOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	TLS         *tls.Config
}

// NewClient dials etcd. Clients refuse clusters older than the client and keep
// keepalives running without active streams so idle doctors notice partitions.
func NewClient(opts ClientOptions) (*clientv3.Client, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("at least one etcd endpoint is required")
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:           opts.Endpoints,
		DialTimeout:         dialTimeout,
		TLS:                 opts.TLS,
		RejectOldCluster:    true,
		PermitWithoutStream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}
	return client, nil
}

// Key joins a namespace and a key into an absolute etcd key.
func Key(namespace, key string) string {
	normalized := "/" + strings.TrimLeft(strings.TrimSpace(key), "/")
	ns := strings.Trim(strings.TrimSpace(namespace), "/")
	if ns == "" {
		return normalized
	}
	return "/" + ns + normalized
}

// Wrap annotates err with op. Context cancellation and deadline errors pass
// through unchanged so callers can match them directly.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

// LeaseSeconds rounds d up to whole lease seconds, never below one.
func LeaseSeconds(d time.Duration) int64 {
	seconds := int64(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

// Linearizable marks ctx so requests fail fast without an etcd leader.
func Linearizable(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return clientv3.WithRequireLeader(ctx)
}
