package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"stakepool/core/events"
	"stakepool/services/poold/journal/chain"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
	verifyBatchSize = maxPageSize
)

// ErrChainBroken reports a journal entry whose digest does not match its
// contents or predecessor.
var ErrChainBroken = errors.New("journal: hash chain broken")

// Entry is one persisted pool event.
type Entry struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Seq        uint64    `gorm:"uniqueIndex;not null" json:"seq"`
	Type       string    `gorm:"size:64;index" json:"type"`
	Attributes string    `gorm:"type:text" json:"-"`
	Digest     string    `gorm:"size:64;not null" json:"digest"`
	PrevDigest string    `gorm:"size:64" json:"prevDigest"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TableName pins the table so offline tooling can read it.
func (Entry) TableName() string { return "journal_entries" }

// Attrs decodes the stored attribute map.
func (e Entry) Attrs() map[string]string {
	out := map[string]string{}
	if e.Attributes != "" {
		_ = json.Unmarshal([]byte(e.Attributes), &out)
	}
	return out
}

// MarshalJSON renders attributes as an object rather than the stored string.
func (e Entry) MarshalJSON() ([]byte, error) {
	type plain Entry
	return json.Marshal(struct {
		plain
		Attributes map[string]string `json:"attributes"`
	}{plain: plain(e), Attributes: e.Attrs()})
}

// Journal appends pool events to a SQL table, chaining each entry to the
// previous one with a blake3 digest.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger

	mu       sync.Mutex
	seq      uint64
	head     string
	notifier func(Entry)
	now      func() time.Time
}

// Dialector picks the gorm driver for dsn. postgres:// URLs use Postgres,
// anything else is handed to sqlite. An empty DSN yields a private in-memory
// database.
func Dialector(dsn string) gorm.Dialector {
	trimmed := strings.TrimSpace(dsn)
	switch {
	case isPostgres(trimmed):
		return postgres.Open(trimmed)
	case trimmed == "":
		return sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	default:
		return sqlite.Open(trimmed)
	}
}

// Open connects to dsn and prepares the journal table.
func Open(dsn string, logger *slog.Logger) (*Journal, error) {
	db, err := gorm.Open(Dialector(dsn), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if !isPostgres(strings.TrimSpace(dsn)) {
		// sqlite allows a single writer; serialise access through one connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db, logger)
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// New migrates the schema on db and resumes from the latest entry.
func New(db *gorm.DB, logger *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: database required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	j := &Journal{db: db, logger: logger, now: time.Now}
	var last Entry
	err := db.Order("seq desc").Limit(1).Take(&last).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return nil, fmt.Errorf("load journal head: %w", err)
	default:
		j.seq = last.Seq
		j.head = last.Digest
	}
	return j, nil
}

// SetNotifier registers fn to receive every entry after it is stored.
func (j *Journal) SetNotifier(fn func(Entry)) {
	j.mu.Lock()
	j.notifier = fn
	j.mu.Unlock()
}

// Emit implements events.Emitter. Storage failures are logged because the
// state change that produced the event has already committed.
func (j *Journal) Emit(evt events.Event) {
	if _, err := j.Append(context.Background(), evt); err != nil {
		j.logger.Error("journal append failed", "type", evt.EventType(), "error", err)
	}
}

// Append stores evt as the next entry of the chain.
func (j *Journal) Append(ctx context.Context, evt events.Event) (Entry, error) {
	if evt == nil {
		return Entry{}, errors.New("journal: nil event")
	}
	rendered := evt.Event()
	attrs := map[string]string{}
	if rendered != nil && rendered.Attributes != nil {
		attrs = rendered.Attributes
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return Entry{}, fmt.Errorf("encode attributes: %w", err)
	}

	j.mu.Lock()
	entry := Entry{
		ID:         uuid.New(),
		Seq:        j.seq + 1,
		Type:       evt.EventType(),
		Attributes: string(encoded),
		PrevDigest: j.head,
		CreatedAt:  j.now().UTC(),
	}
	entry.Digest = digest(entry)
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		j.mu.Unlock()
		return Entry{}, fmt.Errorf("store journal entry: %w", err)
	}
	j.seq = entry.Seq
	j.head = entry.Digest
	notify := j.notifier
	j.mu.Unlock()

	if notify != nil {
		notify(entry)
	}
	return entry, nil
}

// Head returns the latest sequence number and digest.
func (j *Journal) Head() (uint64, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq, j.head
}

// List returns up to limit entries with a sequence greater than after.
func (j *Journal) List(ctx context.Context, after uint64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	var entries []Entry
	err := j.db.WithContext(ctx).
		Where("seq > ?", after).
		Order("seq asc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	return entries, nil
}

// Verify walks the whole table and recomputes every digest.
func (j *Journal) Verify(ctx context.Context) error {
	var (
		prev  string
		after uint64
	)
	for {
		batch, err := j.List(ctx, after, verifyBatchSize)
		if err != nil {
			return err
		}
		for _, entry := range batch {
			if entry.Seq != after+1 {
				return fmt.Errorf("%w: expected seq %d, found %d", ErrChainBroken, after+1, entry.Seq)
			}
			if entry.PrevDigest != prev {
				return fmt.Errorf("%w: seq %d does not link to its predecessor", ErrChainBroken, entry.Seq)
			}
			if digest(entry) != entry.Digest {
				return fmt.Errorf("%w: seq %d digest mismatch", ErrChainBroken, entry.Seq)
			}
			prev = entry.Digest
			after = entry.Seq
		}
		if len(batch) < verifyBatchSize {
			return nil
		}
	}
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Digest recomputes the chained hash of an entry.
func Digest(entry Entry) string {
	return digest(entry)
}

func digest(entry Entry) string {
	return chain.Link(entry.PrevDigest, entry.Seq, entry.Type, entry.Attributes)
}
