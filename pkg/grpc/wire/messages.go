package wire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// GetRequest asks for the value of Key
type GetRequest struct {
	Key []byte
}

func (m *GetRequest) AppendWire(b []byte) []byte {
	return appendBytes(b, 1, m.Key)
}

func (m *GetRequest) UnmarshalWire(b []byte) error {
	*m = GetRequest{}
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			m.Key = d.bytes()
		default:
			d.skip()
		}
	}
	return d.err
}

// GetResponse carries the value; Found is false for a missing key
type GetResponse struct {
	Value []byte
	Found bool
}

func (m *GetResponse) AppendWire(b []byte) []byte {
	b = appendBytes(b, 1, m.Value)
	return appendBool(b, 2, m.Found)
}

func (m *GetResponse) UnmarshalWire(b []byte) error {
	*m = GetResponse{}
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			m.Value = d.bytes()
		case 2:
			m.Found = d.bool()
		default:
			d.skip()
		}
	}
	return d.err
}

// PutRequest stores Value under Key. With Sync set the call returns once the
// change is committed, also on an async session.
type PutRequest struct {
	Key   []byte
	Value []byte
	Sync  bool
}

func (m *PutRequest) AppendWire(b []byte) []byte {
	b = appendBytes(b, 1, m.Key)
	b = appendBytes(b, 2, m.Value)
	return appendBool(b, 3, m.Sync)
}

func (m *PutRequest) UnmarshalWire(b []byte) error {
	*m = PutRequest{}
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			m.Key = d.bytes()
		case 2:
			m.Value = d.bytes()
		case 3:
			m.Sync = d.bool()
		default:
			d.skip()
		}
	}
	return d.err
}

// PutResponse reports the committed version after the write
type PutResponse struct {
	Version uint64
}

func (m *PutResponse) AppendWire(b []byte) []byte {
	return appendUint(b, 1, m.Version)
}

func (m *PutResponse) UnmarshalWire(b []byte) error {
	*m = PutResponse{}
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			m.Version = d.uint()
		default:
			d.skip()
		}
	}
	return d.err
}

// DeleteRequest removes Key
type DeleteRequest struct {
	Key  []byte
	Sync bool
}

func (m *DeleteRequest) AppendWire(b []byte) []byte {
	b = appendBytes(b, 1, m.Key)
	return appendBool(b, 2, m.Sync)
}

func (m *DeleteRequest) UnmarshalWire(b []byte) error {
	*m = DeleteRequest{}
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			m.Key = d.bytes()
		case 2:
			m.Sync = d.bool()
		default:
			d.skip()
		}
	}
	return d.err
}

// DeleteResponse reports whether the key existed. Queued removals on an
// async session always report true.
type DeleteResponse struct {
	Found bool
}

func (m *DeleteResponse) AppendWire(b []byte) []byte {
	return appendBool(b, 1, m.Found)
}

func (m *DeleteResponse) UnmarshalWire(b []byte) error {
	*m = DeleteResponse{}
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			m.Found = d.bool()
		default:
			d.skip()
		}
	}
	return d.err
}

// LongestPrefixRequest asks for the longest stored key that prefixes Key
type LongestPrefixRequest struct {
	Key []byte
}

func (m *LongestPrefixRequest) AppendWire(b []byte) []byte {
	return appendBytes(b, 1, m.Key)
}

func (m *LongestPrefixRequest) UnmarshalWire(b []byte) error {
	*m = LongestPrefixRequest{}
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			m.Key = d.bytes()
		default:
			d.skip()
		}
	}
	return d.err
}

// LongestPrefixResponse carries the matched key and its value
type LongestPrefixResponse struct {
	Key   []byte
	Value []byte
	Found bool
}

func (m *LongestPrefixResponse) AppendWire(b []byte) []byte {
	b = appendBytes(b, 1, m.Key)
	b = appendBytes(b, 2, m.Value)
	return appendBool(b, 3, m.Found)
}

func (m *LongestPrefixResponse) UnmarshalWire(b []byte) error {
	*m = LongestPrefixResponse{}
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			m.Key = d.bytes()
		case 2:
			m.Value = d.bytes()
		case 3:
			m.Found = d.bool()
		default:
			d.skip()
		}
	}
	return d.err
}

// ScanRequest selects the keys to stream. The bounds combine: a key is sent
// when it has Prefix, lies in [Start, End), and ends with Suffix.
type ScanRequest struct {
	Prefix []byte
	Start  []byte
	End    []byte
	Suffix []byte
	Limit  uint64
}

func (m *ScanRequest) AppendWire(b []byte) []byte {
	b = appendBytes(b, 1, m.Prefix)
	b = appendBytes(b, 2, m.Start)
	b = appendBytes(b, 3, m.End)
	b = appendBytes(b, 4, m.Suffix)
	return appendUint(b, 5, m.Limit)
}

func (m *ScanRequest) UnmarshalWire(b []byte) error {
	*m = ScanRequest{}
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			m.Prefix = d.bytes()
		case 2:
			m.Start = d.bytes()
		case 3:
			m.End = d.bytes()
		case 4:
			m.Suffix = d.bytes()
		case 5:
			m.Limit = d.uint()
		default:
			d.skip()
		}
	}
	return d.err
}

// ScanResponse is one streamed entry
type ScanResponse struct {
	Key   []byte
	Value []byte
}

func (m *ScanResponse) AppendWire(b []byte) []byte {
	b = appendBytes(b, 1, m.Key)
	return appendBytes(b, 2, m.Value)
}

func (m *ScanResponse) UnmarshalWire(b []byte) error {
	*m = ScanResponse{}
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			m.Key = d.bytes()
		case 2:
			m.Value = d.bytes()
		default:
			d.skip()
		}
	}
	return d.err
}

// FlushRequest waits for queued writes and syncs them
type FlushRequest struct{}

func (m *FlushRequest) AppendWire(b []byte) []byte { return b }

func (m *FlushRequest) UnmarshalWire(b []byte) error {
	d := decoder{b: b}
	for d.next() {
		d.skip()
	}
	return d.err
}

// FlushResponse reports the version reached by the flush
type FlushResponse struct {
	Version uint64
}

func (m *FlushResponse) AppendWire(b []byte) []byte {
	return appendUint(b, 1, m.Version)
}

func (m *FlushResponse) UnmarshalWire(b []byte) error {
	*m = FlushResponse{}
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			m.Version = d.uint()
		default:
			d.skip()
		}
	}
	return d.err
}

// StatsRequest asks for the server's statistics
type StatsRequest struct{}

func (m *StatsRequest) AppendWire(b []byte) []byte { return b }

func (m *StatsRequest) UnmarshalWire(b []byte) error {
	d := decoder{b: b}
	for d.next() {
		d.skip()
	}
	return d.err
}

// Stat is one named statistic rendered as text
type Stat struct {
	Name  string
	Value string
}

func (m *Stat) AppendWire(b []byte) []byte {
	b = appendString(b, 1, m.Name)
	return appendString(b, 2, m.Value)
}

func (m *Stat) UnmarshalWire(b []byte) error {
	*m = Stat{}
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			m.Name = d.string()
		case 2:
			m.Value = d.string()
		default:
			d.skip()
		}
	}
	return d.err
}

// StatsResponse lists the statistics sorted by name
type StatsResponse struct {
	Stats []Stat
}

func (m *StatsResponse) AppendWire(b []byte) []byte {
	for i := range m.Stats {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Stats[i].AppendWire(nil))
	}
	return b
}

func (m *StatsResponse) UnmarshalWire(b []byte) error {
	*m = StatsResponse{}
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			raw := d.bytes()
			if d.err != nil {
				break
			}
			var s Stat
			if err := s.UnmarshalWire(raw); err != nil {
				return err
			}
			m.Stats = append(m.Stats, s)
		default:
			d.skip()
		}
	}
	return d.err
}

// Lookup returns the value of the named statistic
func (m *StatsResponse) Lookup(name string) (string, bool) {
	for _, s := range m.Stats {
		if s.Name == name {
			return s.Value, true
		}
	}
	return "", false
}
