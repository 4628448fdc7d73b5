package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/dustin/go-humanize"

	"github.com/KevoDB/triekv/pkg/backup"
	"github.com/KevoDB/triekv/pkg/codec"
	"github.com/KevoDB/triekv/pkg/common/iterator"
	"github.com/KevoDB/triekv/pkg/common/iterator/bounded"
	"github.com/KevoDB/triekv/pkg/common/iterator/filtered"
	"github.com/KevoDB/triekv/pkg/engine"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".open"),
	readline.PcItem(".close"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem(".flush"),
	readline.PcItem(".count"),
	readline.PcItem(".clear"),
	readline.PcItem(".backup"),
	readline.PcItem(".restore"),
	readline.PcItem(".compact"),
	readline.PcItem("PUT"),
	readline.PcItem("GET"),
	readline.PcItem("DELETE"),
	readline.PcItem("LONGEST"),
	readline.PcItem("SCAN",
		readline.PcItem("RANGE"),
		readline.PcItem("SUFFIX"),
	),
)

const helpText = `
TrieKV - an embedded memory-mapped trie key-value store.

Usage:
  triekv [options] [database_path]  - Start with an optional database path

Commands:
  .help                   - Show this help message
  .open PATH [MODE]       - Open a database at PATH (reader, writer-sync, writer-async)
  .close                  - Close the current database
  .exit                   - Exit the program
  .stats                  - Show database statistics
  .flush                  - Commit queued writes and sync them to disk
  .count                  - Count the stored keys
  .clear                  - Remove every key
  .backup FILE [CODEC]    - Write a backup of the database (codec: none, snappy, zstd)
  .restore FILE           - Load a backup into the database
  .compact DIR            - Copy the database into a new, densely packed one at DIR

  PUT key value           - Store a key-value pair
  GET key                 - Retrieve a value by key
  DELETE key              - Delete a key-value pair
  LONGEST key             - Find the longest stored key that is a prefix of key

  SCAN                    - Scan all key-value pairs
  SCAN prefix             - Scan key-value pairs with given prefix
  SCAN SUFFIX suffix      - Scan key-value pairs with given suffix
  SCAN RANGE start end    - Scan key-value pairs in range [start, end)
`

// shell executes interactive commands against at most one open database
type shell struct {
	out    io.Writer
	dbOpts []engine.Option

	db   *engine.DB
	path string
}

func newShell(out io.Writer, dbOpts []engine.Option) *shell {
	return &shell{out: out, dbOpts: dbOpts}
}

func (s *shell) printf(format string, args ...interface{}) {
	fmt.Fprintf(s.out, format, args...)
}

func (s *shell) prompt() string {
	switch {
	case s.db == nil:
		return "triekv> "
	case s.db.ReadOnly():
		return fmt.Sprintf("triekv:%s[RO]> ", s.path)
	default:
		return fmt.Sprintf("triekv:%s> ", s.path)
	}
}

func (s *shell) open(path string, mode engine.Mode) bool {
	s.close()
	db, err := engine.Open(path, mode, s.dbOpts...)
	if err != nil {
		s.printf("Error opening database: %s\n", err)
		return false
	}
	s.db, s.path = db, path
	s.printf("Database opened at %s (%s)\n", path, mode)
	return true
}

func (s *shell) close() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.printf("Error closing database: %s\n", err)
	}
	s.db, s.path = nil, ""
}

// execute runs one command line. It returns false when the shell should exit.
func (s *shell) execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToUpper(parts[0])

	if strings.HasPrefix(cmd, ".") {
		return s.dotCommand(ctx, strings.ToLower(cmd), parts[1:])
	}

	if s.db == nil {
		s.printf("Error: No database open\n")
		return true
	}

	switch cmd {
	case "PUT":
		if len(parts) < 3 {
			s.printf("Error: PUT requires key and value arguments\n")
			return true
		}
		if err := s.db.AddContext(ctx, []byte(parts[1]), []byte(strings.Join(parts[2:], " "))); err != nil {
			s.printf("Error putting value: %s\n", err)
			return true
		}
		s.printf("Value stored\n")

	case "GET":
		if len(parts) < 2 {
			s.printf("Error: GET requires a key argument\n")
			return true
		}
		val, err := s.db.Find([]byte(parts[1]))
		switch {
		case errors.Is(err, engine.ErrNotFound):
			s.printf("Key not found\n")
		case err != nil:
			s.printf("Error getting value: %s\n", err)
		default:
			s.printf("%s\n", val)
		}

	case "DELETE":
		if len(parts) < 2 {
			s.printf("Error: DELETE requires a key argument\n")
			return true
		}
		err := s.db.Remove([]byte(parts[1]))
		switch {
		case errors.Is(err, engine.ErrNotFound):
			s.printf("Key not found\n")
		case err != nil:
			s.printf("Error deleting key: %s\n", err)
		default:
			s.printf("Key deleted\n")
		}

	case "LONGEST":
		if len(parts) < 2 {
			s.printf("Error: LONGEST requires a key argument\n")
			return true
		}
		key, val, err := s.db.FindLongestPrefix([]byte(parts[1]))
		switch {
		case errors.Is(err, engine.ErrNotFound):
			s.printf("No prefix found\n")
		case err != nil:
			s.printf("Error finding prefix: %s\n", err)
		default:
			s.printf("%s: %s\n", key, val)
		}

	case "SCAN":
		s.scan(parts[1:])

	default:
		s.printf("Unknown command: %s\n", cmd)
	}
	return true
}

func (s *shell) scan(args []string) {
	var iter iterator.Iterator
	switch {
	case len(args) == 0:
		iter = s.db.Prefix(nil)
	case len(args) == 2 && strings.ToUpper(args[0]) == "SUFFIX":
		iter = filtered.NewSuffixIterator(s.db.Prefix(nil), []byte(args[1]))
	case len(args) == 3 && strings.ToUpper(args[0]) == "RANGE":
		iter = bounded.NewBoundedIterator(s.db.Prefix(nil), []byte(args[1]), []byte(args[2]))
	case len(args) == 1:
		iter = s.db.Prefix([]byte(args[0]))
	default:
		s.printf("Error: Invalid SCAN syntax. See .help for usage\n")
		return
	}
	defer iter.Close()

	count := 0
	for ok := iter.SeekToFirst(); ok; ok = iter.Next() {
		s.printf("%s: %s\n", iter.Key(), iter.Value())
		count++
	}
	if err := iter.Err(); err != nil {
		s.printf("Error scanning: %s\n", err)
	}
	s.printf("%d entries found\n", count)
}

func (s *shell) dotCommand(ctx context.Context, cmd string, args []string) bool {
	switch cmd {
	case ".help":
		s.printf("%s", helpText)
		return true
	case ".exit":
		s.close()
		s.printf("Goodbye!\n")
		return false
	case ".open":
		if len(args) < 1 {
			s.printf("Error: Missing path argument\n")
			return true
		}
		mode := engine.ModeWriterSync
		if len(args) > 1 {
			m, err := engine.ParseMode(args[1])
			if err != nil {
				s.printf("Error: %s\n", err)
				return true
			}
			mode = m
		}
		s.open(args[0], mode)
		return true
	}

	if s.db == nil {
		s.printf("No database open\n")
		return true
	}

	switch cmd {
	case ".close":
		path := s.path
		s.close()
		s.printf("Database %s closed\n", path)

	case ".stats":
		if err := s.db.PrintStats(s.out); err != nil {
			s.printf("Error reading statistics: %s\n", err)
		}

	case ".flush":
		if err := s.db.FlushContext(ctx); err != nil {
			s.printf("Error flushing: %s\n", err)
			return true
		}
		s.printf("Flushed at version %d\n", s.db.Version())

	case ".count":
		n, err := s.db.Count()
		if err != nil {
			s.printf("Error counting keys: %s\n", err)
			return true
		}
		s.printf("%s keys\n", humanize.Comma(int64(n)))

	case ".clear":
		if err := s.db.RemoveAll(); err != nil {
			s.printf("Error clearing database: %s\n", err)
			return true
		}
		s.printf("All keys removed\n")

	case ".backup":
		s.backup(ctx, args)

	case ".restore":
		s.restore(ctx, args)

	case ".compact":
		if len(args) < 1 {
			s.printf("Error: Missing destination directory\n")
			return true
		}
		res, err := backup.Compact(ctx, s.db, args[0], backup.CompactOptions{})
		if err != nil {
			s.printf("Error compacting: %s\n", err)
			return true
		}
		s.printf("Compacted %s keys into %s in %s\n",
			humanize.Comma(int64(res.Entries)), args[0], res.Duration.Round(time.Millisecond))

	default:
		s.printf("Unknown command: %s\n", cmd)
	}
	return true
}

func (s *shell) backup(ctx context.Context, args []string) {
	if len(args) < 1 {
		s.printf("Error: Missing backup file\n")
		return
	}
	opts := backup.Options{Codec: codec.Zstd}
	if len(args) > 1 {
		c, err := codec.Parse(args[1])
		if err != nil {
			s.printf("Error: %s\n", err)
			return
		}
		opts.Codec = c
	}

	f, err := os.Create(args[0])
	if err != nil {
		s.printf("Error creating backup file: %s\n", err)
		return
	}
	res, err := backup.Backup(ctx, s.db, f, opts)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.printf("Error writing backup: %s\n", err)
		return
	}
	s.printf("Backed up %s keys (%s) at version %d\n",
		humanize.Comma(int64(res.Entries)), humanize.IBytes(res.Bytes), res.Header.Version)
}

func (s *shell) restore(ctx context.Context, args []string) {
	if len(args) < 1 {
		s.printf("Error: Missing backup file\n")
		return
	}
	f, err := os.Open(args[0])
	if err != nil {
		s.printf("Error opening backup file: %s\n", err)
		return
	}
	defer f.Close()

	res, err := backup.Restore(ctx, f, s.db, backup.Options{})
	if err != nil {
		s.printf("Error restoring backup: %s\n", err)
		return
	}
	s.printf("Restored %s keys\n", humanize.Comma(int64(res.Entries)))
}
