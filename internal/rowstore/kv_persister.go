package rowstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rowsync/engine/internal/hlc"
)

// KVPersister implements hlc.Persister on top of any StorageAdapter's own
// KV store, so a device's last-issued clock survives a process restart
// without a bespoke clock-persistence backend of its own.
type KVPersister struct {
	ctx     context.Context
	adapter StorageAdapter
	key     string
}

// NewKVPersister binds a KVPersister to one adapter and KV key. ctx bounds
// every Load/Save call it makes.
func NewKVPersister(ctx context.Context, adapter StorageAdapter, key string) *KVPersister {
	return &KVPersister{ctx: ctx, adapter: adapter, key: key}
}

type persistedClock struct {
	WallMs   int64  `json:"wallMs"`
	Counter  uint64 `json:"counter"`
	DeviceID string `json:"deviceId"`
}

func (p *KVPersister) Load() (hlc.Clock, bool, error) {
	raw, ok, err := p.adapter.GetKV(p.ctx, p.key)
	if err != nil || !ok {
		return hlc.Clock{}, false, err
	}
	var stored persistedClock
	if err := json.Unmarshal(raw, &stored); err != nil {
		return hlc.Clock{}, false, fmt.Errorf("rowstore: decode persisted clock: %w", err)
	}
	return hlc.Clock{WallMs: stored.WallMs, Counter: stored.Counter, DeviceID: stored.DeviceID}, true, nil
}

func (p *KVPersister) Save(c hlc.Clock) error {
	data, err := json.Marshal(persistedClock{WallMs: c.WallMs, Counter: c.Counter, DeviceID: c.DeviceID})
	if err != nil {
		return err
	}
	return p.adapter.PutKV(p.ctx, p.key, data)
}
