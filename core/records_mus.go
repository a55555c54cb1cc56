// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package core

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/raw"
	"github.com/mus-format/mus-go/varint"
)

// Binary layouts for stored records, built from mus-go primitives.
// Field order is part of the on-disk format: append new fields at the end.

// IDMUS serializes IDs as varints.
var IDMUS = idMUS{}

type idMUS struct{}

func (idMUS) Size(id ID) int {
	return varint.Uint64.Size(uint64(id))
}

func (idMUS) Marshal(id ID, bs []byte) int {
	return varint.Uint64.Marshal(uint64(id), bs)
}

func (idMUS) Unmarshal(bs []byte) (ID, int, error) {
	v, n, err := varint.Uint64.Unmarshal(bs)
	return ID(v), n, err
}

// FragmentMUS serializes Fragments.
var FragmentMUS = fragmentMUS{}

type fragmentMUS struct{}

func (fragmentMUS) Size(f Fragment) (size int) {
	size = varint.Uint64.Size(uint64(f.Id))
	size += ord.String.Size(f.Content)
	size += ord.String.Size(f.ContentHash)
	size += sizeVector(f.Vector)
	size += sizeMetadata(&f.Metadata)
	size += varint.Int64.Size(int64(f.Status))
	size += varint.Int64.Size(timeToMicro(f.IngestedAt))
	size += varint.Int64.Size(timeToMicro(f.UpdatedAt))
	size += varint.Uint64.Size(f.AccessCount)
	return
}

func (fragmentMUS) Marshal(f Fragment, bs []byte) (n int) {
	n = varint.Uint64.Marshal(uint64(f.Id), bs)
	n += ord.String.Marshal(f.Content, bs[n:])
	n += ord.String.Marshal(f.ContentHash, bs[n:])
	n += marshalVector(f.Vector, bs[n:])
	n += marshalMetadata(&f.Metadata, bs[n:])
	n += varint.Int64.Marshal(int64(f.Status), bs[n:])
	n += varint.Int64.Marshal(timeToMicro(f.IngestedAt), bs[n:])
	n += varint.Int64.Marshal(timeToMicro(f.UpdatedAt), bs[n:])
	n += varint.Uint64.Marshal(f.AccessCount, bs[n:])
	return
}

func (fragmentMUS) Unmarshal(bs []byte) (f Fragment, n int, err error) {
	r := &musReader{bs: bs}
	f.Id = ID(r.readUint64())
	f.Content = r.readString()
	f.ContentHash = r.readString()
	f.Vector = r.readVector()
	r.readMetadata(&f.Metadata)
	f.Status = Status(r.readInt64())
	f.IngestedAt = microToTime(r.readInt64())
	f.UpdatedAt = microToTime(r.readInt64())
	f.AccessCount = r.readUint64()
	if r.err != nil {
		return Fragment{}, r.n, fmt.Errorf("%w: %w", ErrCorruptRecord, r.err)
	}
	return f, r.n, nil
}

func sizeVector(v []float32) int {
	size := varint.Uint64.Size(uint64(len(v)))
	for _, x := range v {
		size += raw.Float32.Size(x)
	}
	return size
}

func marshalVector(v []float32, bs []byte) int {
	n := varint.Uint64.Marshal(uint64(len(v)), bs)
	for _, x := range v {
		n += raw.Float32.Marshal(x, bs[n:])
	}
	return n
}

func sizeStrings(ss []string) int {
	size := varint.Uint64.Size(uint64(len(ss)))
	for _, s := range ss {
		size += ord.String.Size(s)
	}
	return size
}

func marshalStrings(ss []string, bs []byte) int {
	n := varint.Uint64.Marshal(uint64(len(ss)), bs)
	for _, s := range ss {
		n += ord.String.Marshal(s, bs[n:])
	}
	return n
}

func sizeMetadata(m *Metadata) int {
	size := ord.String.Size(m.OwnerID)
	size += ord.String.Size(m.ProjectID)
	size += ord.String.Size(m.DocumentID)
	size += ord.String.Size(m.ChunkID)
	size += varint.Int64.Size(int64(m.ChunkIndex))
	size += varint.Int64.Size(int64(m.TotalChunks))
	size += ord.String.Size(m.Source)
	size += sizeStrings(m.Tags)
	size += varint.Uint64.Size(uint64(len(m.Custom)))
	for k, v := range m.Custom {
		size += ord.String.Size(k) + ord.String.Size(v)
	}
	return size
}

func marshalMetadata(m *Metadata, bs []byte) int {
	n := ord.String.Marshal(m.OwnerID, bs)
	n += ord.String.Marshal(m.ProjectID, bs[n:])
	n += ord.String.Marshal(m.DocumentID, bs[n:])
	n += ord.String.Marshal(m.ChunkID, bs[n:])
	n += varint.Int64.Marshal(int64(m.ChunkIndex), bs[n:])
	n += varint.Int64.Marshal(int64(m.TotalChunks), bs[n:])
	n += ord.String.Marshal(m.Source, bs[n:])
	n += marshalStrings(m.Tags, bs[n:])
	n += varint.Uint64.Marshal(uint64(len(m.Custom)), bs[n:])
	// Sorted keys keep the encoding deterministic.
	for _, k := range slices.Sorted(maps.Keys(m.Custom)) {
		n += ord.String.Marshal(k, bs[n:])
		n += ord.String.Marshal(m.Custom[k], bs[n:])
	}
	return n
}

func timeToMicro(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func microToTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

// musReader reads consecutive fields, remembering the first error.
type musReader struct {
	bs  []byte
	n   int
	err error
}

func (r *musReader) readUint64() uint64 {
	if r.err != nil {
		return 0
	}
	v, n, err := varint.Uint64.Unmarshal(r.bs[r.n:])
	r.n += n
	r.err = err
	return v
}

func (r *musReader) readInt64() int64 {
	if r.err != nil {
		return 0
	}
	v, n, err := varint.Int64.Unmarshal(r.bs[r.n:])
	r.n += n
	r.err = err
	return v
}

func (r *musReader) readString() string {
	if r.err != nil {
		return ""
	}
	v, n, err := ord.String.Unmarshal(r.bs[r.n:])
	r.n += n
	r.err = err
	return v
}

func (r *musReader) readFloat32() float32 {
	if r.err != nil {
		return 0
	}
	v, n, err := raw.Float32.Unmarshal(r.bs[r.n:])
	r.n += n
	r.err = err
	return v
}

// readLength reads a collection length. Every element takes at least one byte,
// so a length above the remaining input is corrupt.
func (r *musReader) readLength() int {
	l := r.readUint64()
	if r.err == nil && l > uint64(len(r.bs)-r.n) {
		r.err = fmt.Errorf("length %d exceeds remaining %d bytes", l, len(r.bs)-r.n)
		return 0
	}
	return int(l)
}

func (r *musReader) readVector() []float32 {
	l := r.readLength()
	if r.err != nil || l == 0 {
		return nil
	}
	v := make([]float32, l)
	for i := range v {
		v[i] = r.readFloat32()
	}
	return v
}

func (r *musReader) readStrings() []string {
	l := r.readLength()
	if r.err != nil || l == 0 {
		return nil
	}
	ss := make([]string, l)
	for i := range ss {
		ss[i] = r.readString()
	}
	return ss
}

func (r *musReader) readMetadata(m *Metadata) {
	m.OwnerID = r.readString()
	m.ProjectID = r.readString()
	m.DocumentID = r.readString()
	m.ChunkID = r.readString()
	m.ChunkIndex = int(r.readInt64())
	m.TotalChunks = int(r.readInt64())
	m.Source = r.readString()
	m.Tags = r.readStrings()
	l := r.readLength()
	if r.err != nil || l == 0 {
		return
	}
	m.Custom = make(map[string]string, l)
	for i := 0; i < l && r.err == nil; i++ {
		k := r.readString()
		m.Custom[k] = r.readString()
	}
}
