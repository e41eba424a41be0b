package store

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "github.com/microsoft/planetary-computer-tasks/internal/errors"
	"github.com/microsoft/planetary-computer-tasks/internal/records"
)

// RedisConfig 描述 Redis 文档存储的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisStore 将文档以 JSON 保存在字符串键中，并用集合维护索引。
// 版本检查通过 WATCH/MULTI 完成。
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore 创建 Redis 文档存储。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient 包装已有客户端。
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "pctasks"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) docKey(key string) string {
	return s.prefix + ":doc:" + key
}

func (s *RedisStore) indexKeys(doc records.Document) []string {
	keys := []string{s.prefix + ":idx:all", s.prefix + ":idx:type:" + string(doc.Type)}
	if doc.RunID != "" {
		keys = append(keys, s.prefix+":idx:run:"+doc.RunID)
	}
	if doc.WorkflowID != "" {
		keys = append(keys, s.prefix+":idx:workflow:"+doc.WorkflowID)
	}
	return keys
}

// 选择最小的候选集合，剩余条件在读取后用 Filter 过滤。
func (s *RedisStore) candidateIndex(filter records.Filter) string {
	switch {
	case filter.RunID != "":
		return s.prefix + ":idx:run:" + filter.RunID
	case filter.WorkflowID != "":
		return s.prefix + ":idx:workflow:" + filter.WorkflowID
	case filter.Type != "":
		return s.prefix + ":idx:type:" + string(filter.Type)
	default:
		return s.prefix + ":idx:all"
	}
}

// Query 从索引集合读取候选文档并过滤。
func (s *RedisStore) Query(ctx context.Context, filter records.Filter) ([]records.Document, error) {
	members, err := s.client.SMembers(ctx, s.candidateIndex(filter)).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 索引失败",
			xerrors.WithMetadata("filter", filter.String()))
	}
	docs := make([]records.Document, 0, len(members))
	if len(members) == 0 {
		return docs, nil
	}
	sort.Strings(members)

	keys := make([]string, len(members))
	for i, member := range members {
		keys[i] = s.docKey(member)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量读取文档失败")
	}
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		doc, err := decodeRedisDocument(raw)
		if err != nil {
			return nil, err
		}
		if filter.Matches(doc) {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

// Get 查询指定文档。
func (s *RedisStore) Get(ctx context.Context, recordType records.RecordType, id string) (records.Document, error) {
	key := records.DocumentKey(recordType, id)
	raw, err := s.client.Get(ctx, s.docKey(key)).Result()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return records.Document{}, documentNotFound(key)
		}
		return records.Document{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取文档失败",
			xerrors.WithMetadata("document", key))
	}
	return decodeRedisDocument(raw)
}

// Put 写入或覆盖文档。
func (s *RedisStore) Put(ctx context.Context, doc records.Document) (records.Document, error) {
	if err := validateDocument(doc); err != nil {
		return records.Document{}, err
	}
	var next records.Document
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		previous, found, err := s.load(ctx, tx, doc.Key())
		if err != nil {
			return err
		}
		next = doc.Clone()
		next.Version = 1
		if found {
			next.Version = previous.Version + 1
		}
		return s.write(ctx, tx, previous, found, next)
	}, s.docKey(doc.Key()))
	if err != nil {
		return records.Document{}, s.mapWriteError(err, doc, -1)
	}
	return next, nil
}

// Replace 在 WATCH 保护下比较版本后写入。
func (s *RedisStore) Replace(ctx context.Context, doc records.Document) error {
	if err := validateDocument(doc); err != nil {
		return err
	}
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, found, err := s.load(ctx, tx, doc.Key())
		if err != nil {
			return err
		}
		if !found {
			return documentNotFound(doc.Key())
		}
		if current.Version != doc.Version {
			return versionConflict(doc.Key(), doc.Version, current.Version)
		}
		next := doc.Clone()
		next.Version = current.Version + 1
		return s.write(ctx, tx, current, true, next)
	}, s.docKey(doc.Key()))
	if err != nil {
		return s.mapWriteError(err, doc, -1)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, tx *redis.Tx, key string) (records.Document, bool, error) {
	raw, err := tx.Get(ctx, s.docKey(key)).Result()
	if stdErrors.Is(err, redis.Nil) {
		return records.Document{}, false, nil
	}
	if err != nil {
		return records.Document{}, false, err
	}
	doc, err := decodeRedisDocument(raw)
	if err != nil {
		return records.Document{}, false, err
	}
	return doc, true, nil
}

func (s *RedisStore) write(ctx context.Context, tx *redis.Tx, previous records.Document, found bool, next records.Document) error {
	next.UpdatedAt = s.now().Unix()
	payload, err := json.Marshal(next)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码文档失败")
	}
	member := next.Key()
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if found {
			for _, idx := range s.indexKeys(previous) {
				pipe.SRem(ctx, idx, member)
			}
		}
		pipe.Set(ctx, s.docKey(member), payload, 0)
		for _, idx := range s.indexKeys(next) {
			pipe.SAdd(ctx, idx, member)
		}
		return nil
	})
	return err
}

func (s *RedisStore) mapWriteError(err error, doc records.Document, current int64) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if stdErrors.Is(err, redis.TxFailedErr) {
		return versionConflict(doc.Key(), doc.Version, current)
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入文档失败", xerrors.WithMetadata("document", doc.Key()))
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func decodeRedisDocument(raw string) (records.Document, error) {
	var doc records.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return records.Document{}, xerrors.Wrap(records.CodeMalformedDocument, err, "解析 Redis 文档失败")
	}
	return doc, nil
}
