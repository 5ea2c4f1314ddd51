// Package ipc shares the latest battery state with other processes on the box.
package ipc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/juju/errors"
	"github.com/temoto/bmsbox/hardware/bms"
	"github.com/temoto/bmsbox/log2"
)

const DefaultKey = "bms"

type Config struct {
	Enabled   bool   `hcl:"enable"`
	RedisAddr string `hcl:"redis_addr"`
	RedisDB   int    `hcl:"redis_db"`
	Key       string `hcl:"key"`
	TimeoutMs int    `hcl:"timeout_ms"`
}

type Publisher interface {
	Report(ctx context.Context, data bms.Data) error
	Fault(ctx context.Context, faultFree bool, alarm bms.Data) error
	Close() error
}

type Noop struct{}

var _ Publisher = Noop{}

func (Noop) Report(context.Context, bms.Data) error      { return nil }
func (Noop) Fault(context.Context, bool, bms.Data) error { return nil }
func (Noop) Close() error                                { return nil }

// Redis keeps report fields in hash `key` and announces changes on channel `key`.
type Redis struct {
	log     *log2.Log
	key     string
	timeout time.Duration
	mu      sync.Mutex
	client  *redis.Client
}

var _ Publisher = &Redis{}

func NewRedis(log *log2.Log, c Config) (*Redis, error) {
	if c.RedisAddr == "" {
		return nil, errors.NotValidf("ipc redis_addr empty")
	}
	self := &Redis{
		log:     log,
		key:     c.Key,
		timeout: time.Duration(c.TimeoutMs) * time.Millisecond,
		client: redis.NewClient(&redis.Options{
			Addr: c.RedisAddr,
			DB:   c.RedisDB,
		}),
	}
	if self.key == "" {
		self.key = DefaultKey
	}
	if self.timeout == 0 {
		self.timeout = time.Second
	}
	return self, nil
}

func (self *Redis) Report(ctx context.Context, data bms.Data) error {
	return errors.Annotate(self.send(ctx, "report", hashFields(data)), "ipc report")
}

func (self *Redis) Fault(ctx context.Context, faultFree bool, alarm bms.Data) error {
	fields := hashFields(alarm)
	fields["faultFree"] = faultFree
	return errors.Annotate(self.send(ctx, "fault", fields), "ipc fault")
}

func (self *Redis) Close() error { return self.client.Close() }

func (self *Redis) send(ctx context.Context, event string, fields map[string]interface{}) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, self.timeout)
	defer cancel()
	pipe := self.client.Pipeline()
	pipe.HSet(ctx, self.key, fields)
	pipe.Publish(ctx, self.key, event)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return errors.Annotatef(err, "redis key=%s", self.key)
	}
	self.log.Debugf("ipc %s fields=%d", event, len(fields))
	return nil
}

// hashFields keeps values redis can store as is and formats the rest.
func hashFields(data bms.Data) map[string]interface{} {
	m := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		switch v.(type) {
		case string, []byte, bool, int, int32, int64, uint8, uint16, uint32, uint64, float64:
			m[k] = v
		default:
			m[k] = fmt.Sprint(v)
		}
	}
	return m
}
