// Package testutil runs throwaway infrastructure for package tests.
package testutil

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

const (
	etcdStartTimeout = 15 * time.Second
	etcdStopTimeout  = 5 * time.Second
)

// EmbeddedEtcd is a single-member etcd cluster living for one test.
type EmbeddedEtcd struct {
	Server    *embed.Etcd
	Endpoints []string

	stopOnce sync.Once
}

// StartEmbeddedEtcd starts etcd on loopback ports chosen by the kernel and
// stops it when the test ends.
func StartEmbeddedEtcd(t testing.TB) *EmbeddedEtcd {
	t.Helper()

	peer := url.URL{Scheme: "http", Host: "127.0.0.1:0"}
	client := url.URL{Scheme: "http", Host: "127.0.0.1:0"}

	cfg := embed.NewConfig()
	cfg.Name = "doctor-test"
	cfg.Dir = t.TempDir()
	cfg.Logger = "zap"
	cfg.LogLevel = "error"
	cfg.EnableGRPCGateway = false
	cfg.InitialCluster = cfg.Name + "=" + peer.String()
	cfg.ListenPeerUrls = []url.URL{peer}
	cfg.AdvertisePeerUrls = []url.URL{peer}
	cfg.ListenClientUrls = []url.URL{client}
	cfg.AdvertiseClientUrls = []url.URL{client}

	server, err := embed.StartEtcd(cfg)
	if err != nil {
		t.Fatalf("failed to start embedded etcd: %v", err)
	}
	cluster := &EmbeddedEtcd{Server: server}
	t.Cleanup(cluster.Stop)

	select {
	case <-server.Server.ReadyNotify():
	case <-time.After(etcdStartTimeout):
		t.Fatalf("embedded etcd not ready after %s", etcdStartTimeout)
	}

	for _, listener := range server.Clients {
		cluster.Endpoints = append(cluster.Endpoints, listener.Addr().String())
	}
	return cluster
}

// Stop shuts the server down. Clients see an unreachable cluster afterwards.
func (e *EmbeddedEtcd) Stop() {
	e.stopOnce.Do(func() {
		e.Server.Close()
		select {
		case <-e.Server.Server.StopNotify():
		case <-time.After(etcdStopTimeout):
		}
	})
}

// Client returns a raw etcd client closed at the end of the test.
func (e *EmbeddedEtcd) Client(t testing.TB) *clientv3.Client {
	t.Helper()
	client, err := clientv3.New(clientv3.Config{Endpoints: e.Endpoints, DialTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("failed to create etcd client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// Keys returns every key under prefix with its value.
func (e *EmbeddedEtcd) Keys(t testing.TB, prefix string) map[string]string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := e.Client(t).Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		t.Fatalf("failed to list keys under %s: %v", prefix, err)
	}
	keys := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys[string(kv.Key)] = string(kv.Value)
	}
	return keys
}
