package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"go.opentelemetry.io/otel"

	// NOTE: required to register the dialect for goqu.
	//
	// If you remove this import, goqu.Dialect("sqlite3") will
	// return a copy of the default dialect, which is not what we want,
	// and allocates a ton of memory.
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"

	_ "github.com/glebarez/go-sqlite"
)

var tracer = otel.Tracer("guildsync/store")

// timeFormat matches sqlite's datetime text affinity with sub-second precision.
const timeFormat = "2006-01-02 15:04:05.999999999"

type table interface {
	Name() string
	Version() string
	Schema() (string, []interface{})
}

var allTables = []table{
	checkpoints,
	members,
	threads,
}

type pragma struct {
	name  string
	value string
}

// Store is the bot's durable local state: job checkpoints and the mirrored
// entities each synchronizer upserts.
type Store struct {
	rawDB   *sql.DB
	db      *goqu.Database
	pragmas []pragma
}

type Option func(*Store)

func WithPragma(name string, value string) Option {
	return func(s *Store) {
		s.pragmas = append(s.pragmas, pragma{name, value})
	}
}

// New opens (creating if necessary) the store at the given db filepath.
func New(ctx context.Context, dbFilePath string, opts ...Option) (*Store, error) {
	ctx, span := tracer.Start(ctx, "store.New")
	defer span.End()

	rawDB, err := sql.Open("sqlite", dbFilePath)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	s := &Store{
		rawDB:   rawDB,
		db:      goqu.New("sqlite3", rawDB),
		pragmas: []pragma{},
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(ctx); err != nil {
		_ = rawDB.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	for _, p := range s.pragmas {
		_, err := s.rawDB.ExecContext(ctx, fmt.Sprintf("PRAGMA %s = %s", p.name, p.value))
		if err != nil {
			return fmt.Errorf("error applying pragma %s: %w", p.name, err)
		}
	}

	for _, t := range allTables {
		stmt, args := t.Schema()
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(stmt, args...))
		if err != nil {
			return fmt.Errorf("error creating table %s: %w", t.Name(), err)
		}
	}

	return nil
}

func (s *Store) Close() error {
	if err := s.rawDB.Close(); err != nil {
		return fmt.Errorf("error closing store: %w", err)
	}
	return nil
}
