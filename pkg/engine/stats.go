package engine

import (
	"fmt"
	"io"
	"sort"

	"github.com/KevoDB/triekv/pkg/arena"
	"github.com/dustin/go-humanize"
)

// Stats returns the session statistics: the operation counters of the
// collector plus the state of the database
func (d *DB) Stats() map[string]interface{} {
	out := d.stats.GetStats()
	out["mode"] = d.mode.String()
	out["path"] = d.path

	done, err := d.enter()
	if err != nil {
		out["closed"] = true
		return out
	}
	defer done()

	out["id"] = d.hdr.Geometry().ID.String()
	out["version"] = d.hdr.Version()
	out["grace"] = d.grace

	if count, err := d.countLocked(); err == nil {
		out["key_count"] = count
	}

	if d.writer != nil {
		d.writer.mu.Lock()
		out["index"] = allocatorStats(d.writer.indexAlloc.Stats())
		out["data"] = allocatorStats(d.writer.dataAlloc.Stats())
		d.writer.mu.Unlock()
	} else if slot, err := d.hdr.LatestSlot(); err == nil {
		out["index"] = map[string]interface{}{"tail_bytes": slot.IndexTail, "mapped_bytes": d.index.MappedSize()}
		out["data"] = map[string]interface{}{"tail_bytes": slot.DataTail, "mapped_bytes": d.data.MappedSize()}
	}
	return out
}

func allocatorStats(s arena.AllocatorStats) map[string]interface{} {
	return map[string]interface{}{
		"tail_bytes":     s.Tail,
		"mapped_bytes":   s.Mapped,
		"free_blocks":    s.ReadyBlocks,
		"free_bytes":     s.ReadyBytes,
		"pending_blocks": s.PendingBlocks,
		"pending_bytes":  s.PendingBytes,
	}
}

// PrintStats writes a human readable summary of Stats to w
func (d *DB) PrintStats(w io.Writer) error {
	s := d.Stats()
	p := &statsPrinter{w: w}

	p.line("Database:    %v (%v)", s["path"], s["mode"])
	if id, ok := s["id"]; ok {
		p.line("ID:          %v", id)
		p.line("Version:     %v", s["version"])
		p.line("Keys:        %v", s["key_count"])
	}
	for _, name := range []string{"index", "data"} {
		a, ok := s[name].(map[string]interface{})
		if !ok {
			continue
		}
		p.line("%-12s %s used, %s mapped", name+":", bytesOf(a["tail_bytes"]), bytesOf(a["mapped_bytes"]))
		if _, ok := a["free_bytes"]; ok {
			p.line("             %s free, %s pending reuse", bytesOf(a["free_bytes"]), bytesOf(a["pending_bytes"]))
		}
	}

	var ops []string
	for k := range s {
		if len(k) > 4 && k[len(k)-4:] == "_ops" {
			ops = append(ops, k)
		}
	}
	sort.Strings(ops)
	for _, k := range ops {
		p.line("%-12s %s", k[:len(k)-4]+":", humanize.Comma(int64(s[k].(uint64))))
	}
	p.line("Read retries: %v", s["read_retries"])
	return p.err
}

type statsPrinter struct {
	w   io.Writer
	err error
}

func (p *statsPrinter) line(format string, args ...interface{}) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format+"\n", args...)
}

func bytesOf(v interface{}) string {
	n, ok := v.(uint64)
	if !ok {
		return "?"
	}
	return humanize.IBytes(n)
}
