package habitkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
)

// Remote collections, one per entity type.
const (
	collCharacters   = "characters"
	collHabits       = "habits"
	collAchievements = "achievements"
	collBonuses      = "bonuses"
	collCoins        = "coins"
	collDailyRecords = "dailyRecords"
	collUsers        = "users"
)

// localKeyPrefix namespaces every cache key written by the sync layer.
const localKeyPrefix = "habitkit:"

// entityBinding parameterizes the generic sync operation for one entity
// type: its remote collection, how a user id (plus an optional sub-key)
// maps to a document id, and the local cache key namespace.
type entityBinding struct {
	name       string
	collection string
}

func (b entityBinding) docID(userID, sub string) string {
	if sub == "" {
		return userID
	}
	return userID + "_" + sub
}

func (b entityBinding) localKey(userID, sub string) string {
	if sub == "" {
		return localKeyPrefix + b.name + ":" + userID
	}
	return localKeyPrefix + b.name + ":" + userID + ":" + sub
}

var (
	bindCharacter    = entityBinding{name: "character", collection: collCharacters}
	bindHabits       = entityBinding{name: "habits", collection: collHabits}
	bindAchievements = entityBinding{name: "achievements", collection: collAchievements}
	bindBonuses      = entityBinding{name: "bonuses", collection: collBonuses}
	bindCoins        = entityBinding{name: "coins", collection: collCoins}
	bindDailyRecord  = entityBinding{name: "daily", collection: collDailyRecords}
)

// SyncService is the offline-resilient entity sync layer. Reads and writes
// attempt the remote store first and degrade to the local store; remote
// writes that fail for transient reasons are queued for replay. The service
// is explicitly constructed and carries no global state; tests inject fake
// stores.
//
// Conflict policy between concurrent writers is last-write-wins: every
// remote write carries an atomically incremented version counter and a
// server timestamp, but readers never reject stale data on either.
type SyncService struct {
	config  Config
	remote  RemoteStore
	local   LocalStore
	conn    *ConnectivityObserver
	queue   *RetryQueue
	metrics *SyncMetrics
	logger  *log.Logger

	// keyLocks serializes writes per entity key so two callers flushing
	// the same entity cannot interleave into a lost update.
	keyLocks map[string]*sync.Mutex
	lockMu   sync.Mutex

	unsubscribe func()
	closed      bool
	mu          sync.Mutex
}

// NewSyncService creates a sync service over the given stores. The
// connectivity observer's offline-to-online transition triggers a queue
// drain in the background.
func NewSyncService(config Config, remote RemoteStore, local LocalStore, conn *ConnectivityObserver) *SyncService {
	config.normalize()
	s := &SyncService{
		config:   config,
		remote:   remote,
		local:    local,
		conn:     conn,
		queue:    NewRetryQueue(config.Queue),
		metrics:  NewSyncMetrics(),
		logger:   log.New(os.Stderr, "habitkit: ", log.LstdFlags),
		keyLocks: make(map[string]*sync.Mutex),
	}
	if conn != nil {
		s.unsubscribe = conn.AddListener(func(online bool) {
			if online {
				go s.DrainQueue(context.Background())
			}
		})
	}
	return s
}

// SetLogger replaces the service logger. A nil logger silences it.
func (s *SyncService) SetLogger(l *log.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l == nil {
		l = log.New(nullWriter{}, "", 0)
	}
	s.logger = l
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

// Queue exposes the retry queue for inspection.
func (s *SyncService) Queue() *RetryQueue {
	return s.queue
}

// Metrics exposes the sync counters.
func (s *SyncService) Metrics() *SyncMetrics {
	return s.metrics
}

// Online reports the connectivity observer's current status. Without an
// observer the service assumes it is online.
func (s *SyncService) Online() bool {
	if s.conn == nil {
		return true
	}
	return s.conn.Online()
}

// Close detaches the connectivity listener. The stores are owned by the
// caller and are not closed here.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	return nil
}

func (s *SyncService) checkReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.remote == nil || s.local == nil {
		return ErrNotConfigured
	}
	return nil
}

// DrainQueue replays queued writes while connectivity holds. Safe to call
// manually; it is also invoked automatically on reconnect.
func (s *SyncService) DrainQueue(ctx context.Context) DrainResult {
	if !s.Online() {
		return DrainResult{Remaining: s.queue.Len()}
	}
	s.metrics.Drains.Add(1)
	result := s.queue.Drain(ctx)
	s.metrics.DrainedOps.Add(int64(result.Executed))
	if result.LastErr != nil {
		s.logger.Printf("queue drain halted after %d ops: %v", result.Executed, result.LastErr)
	}
	return result
}

func (s *SyncService) keyLock(key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	m, ok := s.keyLocks[key]
	if !ok {
		m = &sync.Mutex{}
		s.keyLocks[key] = m
	}
	return m
}

// runWithOfflineFallback is the uniform degrade path for every entity
// operation: offline skips the primary entirely; a primary failure is
// logged and classified, queueing the deferred op only when retryable; the
// fallback result is always returned in the degraded paths, so the caller
// never sees a connectivity error.
func runWithOfflineFallback[T any](s *SyncService, ctx context.Context, op SyncErrorOp, binding entityBinding, key string,
	primary func(ctx context.Context) (T, error), fallback func() (T, error), queueOp *QueuedOp) (T, error) {

	if !s.Online() {
		s.metrics.Fallbacks.Add(1)
		if queueOp != nil {
			s.queue.Enqueue(queueOp)
			s.metrics.Enqueued.Add(1)
		}
		return fallback()
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.Sync.RemoteTimeout)
	result, err := primary(callCtx)
	cancel()
	if err == nil {
		s.metrics.RemoteHits.Add(1)
		return result, nil
	}

	serr := newSyncError(op, binding.name, key, err)
	s.logger.Printf("remote degraded: %v", serr)
	s.metrics.RemoteFailures.Add(1)
	s.metrics.Fallbacks.Add(1)
	if queueOp != nil && serr.Retryable {
		s.queue.Enqueue(queueOp)
		s.metrics.Enqueued.Add(1)
	}
	return fallback()
}

// encodeEntity marshals an entity into a remote document payload and stamps
// the sync metadata: the advisory version counter (server-side atomic
// increment) and the server-assigned update timestamp.
func encodeEntity(v any, userID string) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode entity: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("encode entity: %w", err)
	}
	doc["userId"] = userID
	doc["version"] = Increment(1)
	doc["updatedAt"] = ServerTimestamp{}
	return doc, nil
}

// decodeDocument unmarshals a remote document into an entity. Sync metadata
// fields are simply ignored by the entity's schema.
func decodeDocument[T any](doc Document) (*T, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &v, nil
}

// readEntity is the generic offline-resilient read: remote first, local on
// failure or offline, nil when the entity was never written anywhere.
// Corrupt local JSON is treated as cache-empty, never fatal.
func readEntity[T any](s *SyncService, ctx context.Context, binding entityBinding, userID, sub string) (*T, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}

	docID := binding.docID(userID, sub)
	localKey := binding.localKey(userID, sub)

	primary := func(ctx context.Context) (*T, error) {
		doc, err := s.remote.GetDocument(ctx, binding.collection, docID)
		if errors.Is(err, ErrDocumentNotFound) {
			// A definitive miss, not a failure: the entity does not exist.
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return decodeDocument[T](doc)
	}
	fallback := func() (*T, error) {
		value, err := s.local.Get(localKey)
		if err != nil {
			return nil, nil
		}
		var v T
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			s.logger.Printf("corrupt cache entry %q dropped: %v", localKey, err)
			return nil, nil
		}
		return &v, nil
	}

	return runWithOfflineFallback(s, ctx, SyncOpRead, binding, docID, primary, fallback, nil)
}

// writeEntity is the generic offline-resilient write: the local cache is
// always updated so the fallback read path stays current, then the remote
// set is attempted (or queued). Writes to the same entity key are
// serialized by a per-key mutex.
func writeEntity[T any](s *SyncService, ctx context.Context, binding entityBinding, userID, sub string, entity T) error {
	if err := s.checkReady(); err != nil {
		return err
	}

	docID := binding.docID(userID, sub)
	localKey := binding.localKey(userID, sub)

	lock := s.keyLock(localKey)
	lock.Lock()
	defer lock.Unlock()

	raw, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", binding.name, err)
	}
	if err := s.local.Set(localKey, string(raw)); err != nil {
		s.logger.Printf("local write %q failed: %v", localKey, err)
	}

	payload, err := encodeEntity(entity, userID)
	if err != nil {
		return err
	}

	queueOp := &QueuedOp{
		Entity: binding.name,
		Key:    docID,
		Run: func(ctx context.Context) error {
			replayCtx, cancel := context.WithTimeout(ctx, s.config.Sync.RemoteTimeout)
			defer cancel()
			return s.remote.SetDocument(replayCtx, binding.collection, docID, payload)
		},
	}
	primary := func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.remote.SetDocument(ctx, binding.collection, docID, payload)
	}
	fallback := func() (struct{}, error) {
		return struct{}{}, nil
	}

	_, err = runWithOfflineFallback(s, ctx, SyncOpWrite, binding, docID, primary, fallback, queueOp)
	return err
}

// --- Per-entity operations ---

// Character returns the user's character state, or nil if none exists.
func (s *SyncService) Character(ctx context.Context, userID string) (*CharacterState, error) {
	return readEntity[CharacterState](s, ctx, bindCharacter, userID, "")
}

// SaveCharacter persists the user's character state.
func (s *SyncService) SaveCharacter(ctx context.Context, userID string, c CharacterState) error {
	return writeEntity(s, ctx, bindCharacter, userID, "", c)
}

// Habits returns the user's habit set, or nil if none exists.
func (s *SyncService) Habits(ctx context.Context, userID string) (*HabitSet, error) {
	return readEntity[HabitSet](s, ctx, bindHabits, userID, "")
}

// SaveHabits persists the user's habit set. Habit deletion is list
// filtering by the caller before this full-entity write.
func (s *SyncService) SaveHabits(ctx context.Context, userID string, hs HabitSet) error {
	return writeEntity(s, ctx, bindHabits, userID, "", hs)
}

// Achievements returns the user's achievement set, or nil if none exists.
func (s *SyncService) Achievements(ctx context.Context, userID string) (*AchievementSet, error) {
	return readEntity[AchievementSet](s, ctx, bindAchievements, userID, "")
}

// SaveAchievements persists the user's achievement set.
func (s *SyncService) SaveAchievements(ctx context.Context, userID string, as AchievementSet) error {
	return writeEntity(s, ctx, bindAchievements, userID, "", as)
}

// Bonuses returns the user's bonus set, or nil if none exists.
func (s *SyncService) Bonuses(ctx context.Context, userID string) (*BonusSet, error) {
	return readEntity[BonusSet](s, ctx, bindBonuses, userID, "")
}

// SaveBonuses persists the user's bonus set.
func (s *SyncService) SaveBonuses(ctx context.Context, userID string, bs BonusSet) error {
	return writeEntity(s, ctx, bindBonuses, userID, "", bs)
}

// Coins returns the user's coin ledger, or nil if none exists.
func (s *SyncService) Coins(ctx context.Context, userID string) (*CoinLedger, error) {
	return readEntity[CoinLedger](s, ctx, bindCoins, userID, "")
}

// SaveCoins persists the user's coin ledger.
func (s *SyncService) SaveCoins(ctx context.Context, userID string, cl CoinLedger) error {
	return writeEntity(s, ctx, bindCoins, userID, "", cl)
}

// DailyRecord returns one day's completion snapshot, or nil if none exists.
func (s *SyncService) DailyRecord(ctx context.Context, userID, date string) (*DailyRecord, error) {
	return readEntity[DailyRecord](s, ctx, bindDailyRecord, userID, date)
}

// SaveDailyRecord upserts a day's record under the deterministic
// userID_date document id, so repeated saves for the same date merge into
// one entry instead of appending duplicates. The derived perfectDay flag
// is recomputed before the write.
func (s *SyncService) SaveDailyRecord(ctx context.Context, userID string, record DailyRecord) error {
	record.Normalize()
	return writeEntity(s, ctx, bindDailyRecord, userID, record.Date, record)
}

// RecordCompletion folds one habit completion into the record for the
// given date, creating the record if needed, and persists it.
func (s *SyncService) RecordCompletion(ctx context.Context, userID, date, habitID string, experience, totalHabits int) (*DailyRecord, error) {
	record, err := s.DailyRecord(ctx, userID, date)
	if err != nil {
		return nil, err
	}
	if record == nil {
		record = &DailyRecord{Date: date}
	}
	record.TotalHabits = totalHabits
	record.MergeCompletion(habitID, experience)
	if err := s.SaveDailyRecord(ctx, userID, *record); err != nil {
		return nil, err
	}
	return record, nil
}

// DailyRecords returns the user's most recent daily records, newest first.
// limit <= 0 uses the configured default.
func (s *SyncService) DailyRecords(ctx context.Context, userID string, limit int) ([]DailyRecord, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.config.Sync.DailyRecordLimit
	}

	primary := func(ctx context.Context) ([]DailyRecord, error) {
		docs, err := s.remote.QueryDocuments(ctx, collDailyRecords,
			[]Predicate{{Field: "userId", Op: "==", Value: userID}},
			&OrderBy{Field: "date", Descending: true}, limit)
		if err != nil {
			return nil, err
		}
		records := make([]DailyRecord, 0, len(docs))
		for _, doc := range docs {
			r, err := decodeDocument[DailyRecord](doc)
			if err != nil {
				return nil, err
			}
			records = append(records, *r)
		}
		return records, nil
	}
	fallback := func() ([]DailyRecord, error) {
		return s.localDailyRecords(userID, limit)
	}

	return runWithOfflineFallback(s, ctx, SyncOpRead, bindDailyRecord, userID, primary, fallback, nil)
}

// localDailyRecords scans the cache namespace for a user's daily records.
func (s *SyncService) localDailyRecords(userID string, limit int) ([]DailyRecord, error) {
	prefix := bindDailyRecord.localKey(userID, "")
	keys, err := KeysWithPrefix(s.local, prefix+":")
	if err != nil {
		return nil, nil
	}

	var records []DailyRecord
	for _, key := range keys {
		value, err := s.local.Get(key)
		if err != nil {
			continue
		}
		var r DailyRecord
		if err := json.Unmarshal([]byte(value), &r); err != nil {
			s.logger.Printf("corrupt cache entry %q dropped: %v", key, err)
			continue
		}
		records = append(records, r)
	}
	// Dates are ISO formatted, so string order is date order.
	sortDailyRecordsDesc(records)
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func sortDailyRecordsDesc(records []DailyRecord) {
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && records[j].Date > records[j-1].Date; j-- {
			records[j], records[j-1] = records[j-1], records[j]
		}
	}
}

// SubscribeCharacter registers a callback for remote character changes.
func (s *SyncService) SubscribeCharacter(userID string, onChange func(CharacterState)) (func(), error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return s.remote.Subscribe(collCharacters, userID, func(doc Document) {
		c, err := decodeDocument[CharacterState](doc)
		if err != nil {
			s.logger.Printf("character subscription decode: %v", err)
			return
		}
		onChange(*c)
	})
}

// ClearUserCache removes every cached entry for a user, used on logout.
func (s *SyncService) ClearUserCache(userID string) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	var keys []string
	for _, b := range []entityBinding{bindCharacter, bindHabits, bindAchievements, bindBonuses, bindCoins} {
		keys = append(keys, b.localKey(userID, ""))
	}
	daily, err := KeysWithPrefix(s.local, bindDailyRecord.localKey(userID, "")+":")
	if err == nil {
		keys = append(keys, daily...)
	}
	return s.local.MultiRemove(keys)
}

// UserData bundles every whole-user entity for batch writes and backup.
type UserData struct {
	Character    *CharacterState `json:"character,omitempty"`
	Habits       *HabitSet       `json:"habits,omitempty"`
	Achievements *AchievementSet `json:"achievements,omitempty"`
	Bonuses      *BonusSet       `json:"bonuses,omitempty"`
	Coins        *CoinLedger     `json:"coins,omitempty"`
	DailyRecords []DailyRecord   `json:"dailyRecords,omitempty"`
}

// SaveAll writes every non-nil entity in one atomic remote batch when
// online. When offline or on a transient remote failure the entities
// degrade to independent local writes plus one queued batch replay, so the
// remote side regains atomicity on drain while the local side never had it.
// Daily records are not part of the batch; callers persist them per record.
func (s *SyncService) SaveAll(ctx context.Context, userID string, data UserData) error {
	if err := s.checkReady(); err != nil {
		return err
	}

	type part struct {
		binding entityBinding
		entity  any
	}
	var parts []part
	if data.Character != nil {
		parts = append(parts, part{bindCharacter, *data.Character})
	}
	if data.Habits != nil {
		parts = append(parts, part{bindHabits, *data.Habits})
	}
	if data.Achievements != nil {
		parts = append(parts, part{bindAchievements, *data.Achievements})
	}
	if data.Bonuses != nil {
		parts = append(parts, part{bindBonuses, *data.Bonuses})
	}
	if data.Coins != nil {
		parts = append(parts, part{bindCoins, *data.Coins})
	}
	if len(parts) == 0 {
		return nil
	}

	ops := make([]BatchOp, 0, len(parts))
	for _, p := range parts {
		payload, err := encodeEntity(p.entity, userID)
		if err != nil {
			return err
		}
		ops = append(ops, BatchOp{
			Kind:       BatchSet,
			Collection: p.binding.collection,
			ID:         p.binding.docID(userID, ""),
			Payload:    payload,
		})
	}

	// Local writes happen unconditionally so fallback reads stay current.
	for _, p := range parts {
		raw, err := json.Marshal(p.entity)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", p.binding.name, err)
		}
		key := p.binding.localKey(userID, "")
		if err := s.local.Set(key, string(raw)); err != nil {
			s.logger.Printf("local write %q failed: %v", key, err)
		}
	}

	queueOp := &QueuedOp{
		Entity: "batch",
		Key:    userID,
		Run: func(ctx context.Context) error {
			replayCtx, cancel := context.WithTimeout(ctx, s.config.Sync.RemoteTimeout)
			defer cancel()
			return s.remote.BatchCommit(replayCtx, ops)
		},
	}
	primary := func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.remote.BatchCommit(ctx, ops)
	}
	fallback := func() (struct{}, error) {
		return struct{}{}, nil
	}

	_, err := runWithOfflineFallback(s, ctx, SyncOpBatch, entityBinding{name: "batch"}, userID, primary, fallback, queueOp)
	return err
}
