package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore backs the Store contract with Redis. Documents are hashes
// with JSON-encoded values, so Merge is a plain HSET and never clobbers
// fields it does not mention. Collection membership lives in a sorted
// set scored by a global sequence counter, which is what gives List and
// replay their commit order. Change delivery is pub/sub per path; a
// watcher replays persisted state after subscribing, so delivery is
// at-least-once and consumers are expected to apply idempotently.
type RedisStore struct {
	client *redis.Client
	log    zerolog.Logger
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, log zerolog.Logger) *RedisStore {
	return &RedisStore{client: client, log: log.With().Str("component", "redis-store").Logger()}
}

func docKey(path string) string        { return "sig:doc:" + path }
func colKey(collection string) string  { return "sig:col:" + collection }
func docChannel(path string) string    { return "sig:evt:doc:" + path }
func colChannel(collection string) string { return "sig:evt:col:" + collection }

const seqKey = "sig:seq"

// writeScript applies a create/set/merge and records first-write
// collection membership atomically. KEYS: doc, collection zset, seq.
// ARGV[1] is the mode ("create"|"set"|"merge"), ARGV[2] the member id,
// then field/value pairs. Returns -1 when create loses the race.
var writeScript = redis.NewScript(`
local existed = redis.call("EXISTS", KEYS[1])
if ARGV[1] == "create" and existed == 1 then
  return -1
end
if ARGV[1] == "set" then
  redis.call("DEL", KEYS[1])
end
for i = 3, #ARGV, 2 do
  redis.call("HSET", KEYS[1], ARGV[i], ARGV[i+1])
end
if existed == 0 then
  local seq = redis.call("INCR", KEYS[3])
  redis.call("ZADD", KEYS[2], seq, ARGV[2])
end
return existed
`)

var deleteScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
return 1
`)

type docEvent struct {
	Fields Fields `json:"fields"` // nil means the document was deleted
}

type colEvent struct {
	Op     string `json:"op"` // "add" | "remove"
	ID     string `json:"id"`
	Fields Fields `json:"fields,omitempty"`
}

func (s *RedisStore) write(ctx context.Context, mode, path string, fields Fields) error {
	collection, id := parentOf(path)
	argv := make([]any, 0, 2+2*len(fields))
	argv = append(argv, mode, id)
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode field %q: %w", k, err)
		}
		argv = append(argv, k, string(raw))
	}

	res, err := writeScript.Run(ctx, s.client,
		[]string{docKey(path), colKey(collection), seqKey}, argv...).Int()
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if res == -1 {
		return ErrExists
	}

	snapshot, err := s.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("read back %s: %w", path, err)
	}
	s.publish(ctx, docChannel(path), docEvent{Fields: snapshot})
	if res == 0 {
		s.publish(ctx, colChannel(collection), colEvent{Op: "add", ID: id, Fields: snapshot})
	}
	return nil
}

func (s *RedisStore) publish(ctx context.Context, channel string, event any) {
	raw, err := json.Marshal(event)
	if err != nil {
		s.log.Error().Err(err).Str("channel", channel).Msg("encode event")
		return
	}
	if err := s.client.Publish(ctx, channel, raw).Err(); err != nil {
		s.log.Warn().Err(err).Str("channel", channel).Msg("publish event")
	}
}

func (s *RedisStore) Create(ctx context.Context, path string, fields Fields) error {
	return s.write(ctx, "create", path, fields)
}

func (s *RedisStore) Set(ctx context.Context, path string, fields Fields) error {
	return s.write(ctx, "set", path, fields)
}

func (s *RedisStore) Merge(ctx context.Context, path string, fields Fields) error {
	return s.write(ctx, "merge", path, fields)
}

func (s *RedisStore) Get(ctx context.Context, path string) (Fields, error) {
	raw, err := s.client.HGetAll(ctx, docKey(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}
	return decodeHash(raw)
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	collection, id := parentOf(path)
	res, err := deleteScript.Run(ctx, s.client,
		[]string{docKey(path), colKey(collection)}, id).Int()
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	if res == 1 {
		s.publish(ctx, docChannel(path), docEvent{})
		s.publish(ctx, colChannel(collection), colEvent{Op: "remove", ID: id})
	}
	return nil
}

func (s *RedisStore) Add(ctx context.Context, path string, fields Fields) (string, error) {
	seq, err := s.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return "", fmt.Errorf("next seq: %w", err)
	}
	id := fmt.Sprintf("%012d", seq)
	if err := s.write(ctx, "set", path+"/"+id, fields); err != nil {
		return "", err
	}
	return id, nil
}

func (s *RedisStore) List(ctx context.Context, path string) ([]Entry, error) {
	ids, err := s.client.ZRange(ctx, colKey(path), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		fields, err := s.Get(ctx, path+"/"+id)
		if errors.Is(err, ErrNotFound) {
			continue // removed between ZRANGE and read
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{ID: id, Fields: fields})
	}
	return entries, nil
}

func (s *RedisStore) WatchDoc(path string, onChange func(Fields)) (StopFunc, error) {
	ctx := context.Background()
	sub := s.client.Subscribe(ctx, docChannel(path))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}

	go func() {
		// Initial snapshot after the subscription is live, so no write
		// can fall between the read and the stream.
		if fields, err := s.Get(ctx, path); err == nil {
			onChange(fields)
		}
		for msg := range sub.Channel() {
			var ev docEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.log.Warn().Err(err).Str("path", path).Msg("bad doc event")
				continue
			}
			onChange(ev.Fields)
		}
	}()
	return func() { sub.Close() }, nil
}

func (s *RedisStore) WatchCollection(path string, onAdd func(id string, fields Fields), onRemove func(id string)) (StopFunc, error) {
	ctx := context.Background()
	sub := s.client.Subscribe(ctx, colChannel(path))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}

	go func() {
		if onAdd != nil {
			entries, err := s.List(ctx, path)
			if err != nil {
				s.log.Warn().Err(err).Str("path", path).Msg("replay collection")
			}
			for _, e := range entries {
				onAdd(e.ID, e.Fields)
			}
		}
		for msg := range sub.Channel() {
			var ev colEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.log.Warn().Err(err).Str("path", path).Msg("bad collection event")
				continue
			}
			switch ev.Op {
			case "add":
				if onAdd != nil {
					onAdd(ev.ID, ev.Fields)
				}
			case "remove":
				if onRemove != nil {
					onRemove(ev.ID)
				}
			}
		}
	}()
	return func() { sub.Close() }, nil
}

func decodeHash(raw map[string]string) (Fields, error) {
	fields := make(Fields, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal([]byte(v), &val); err != nil {
			return nil, fmt.Errorf("decode field %q: %w", k, err)
		}
		fields[k] = val
	}
	return fields, nil
}
