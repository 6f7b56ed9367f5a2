package redis

import (
	"context"
	"strconv"
	"time"
)

const optionKeyPrefix = "sitewise:option:"

// Options is the named-slot settings store shared by every process: last
// archiving run timestamps, remembered invalidations, feature flags. One
// named slot holds one serialized value.
type Options struct {
	kv KV
}

// NewOptions returns an option store over the given key-value store.
func NewOptions(kv KV) *Options {
	return &Options{kv: kv}
}

func (o *Options) Get(ctx context.Context, name string) (string, bool, error) {
	return o.kv.Get(ctx, optionKeyPrefix+name)
}

func (o *Options) Set(ctx context.Context, name, value string) error {
	return o.kv.Set(ctx, optionKeyPrefix+name, value)
}

func (o *Options) Delete(ctx context.Context, name string) error {
	return o.kv.Del(ctx, optionKeyPrefix+name)
}

// GetTime reads an option holding a Unix timestamp. Missing or malformed
// slots return the zero time.
func (o *Options) GetTime(ctx context.Context, name string) (time.Time, error) {
	v, ok, err := o.Get(ctx, name)
	if err != nil || !ok {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.Unix(sec, 0).UTC(), nil
}

// SetTime stores a Unix timestamp in the named slot.
func (o *Options) SetTime(ctx context.Context, name string, t time.Time) error {
	return o.Set(ctx, name, strconv.FormatInt(t.Unix(), 10))
}
