package registry

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"

	"vramancer/pkg/types"
)

// WatchEtcd keeps the registry synchronized with node entries published by
// discovery under prefix. Keys are "<prefix><node-id>", values JSON NodeInfo.
// The initial snapshot is loaded with a ranged Get, then the watch stream
// applies deltas until ctx is canceled.
func (r *Registry) WatchEtcd(ctx context.Context, cli *clientv3.Client, prefix string, log zerolog.Logger) error {
	resp, err := cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return err
	}
	for _, kv := range resp.Kvs {
		n, err := decodeNode(kv.Value)
		if err != nil {
			log.Warn().Str("key", string(kv.Key)).Err(err).Msg("skipping malformed node entry")
			continue
		}
		r.upsert(n)
	}

	watchCh := cli.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	go func() {
		for wresp := range watchCh {
			if err := wresp.Err(); err != nil {
				log.Error().Err(err).Msg("node registry watch error")
				return
			}
			for _, ev := range wresp.Events {
				key := string(ev.Kv.Key)
				switch ev.Type {
				case clientv3.EventTypePut:
					n, err := decodeNode(ev.Kv.Value)
					if err != nil {
						log.Warn().Str("key", key).Err(err).Msg("skipping malformed node entry")
						continue
					}
					r.upsert(n)
				case clientv3.EventTypeDelete:
					r.remove(strings.TrimPrefix(key, prefix))
				}
			}
		}
	}()
	return nil
}

func decodeNode(b []byte) (types.NodeInfo, error) {
	var n types.NodeInfo
	err := json.Unmarshal(b, &n)
	return n, err
}
