package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// SaveJSON marshals v and stores it under key.
func SaveJSON(ctx context.Context, kv KeyValueStore, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return kv.Save(ctx, key, data)
}

// LoadJSON reports found=false (and no error) for a missing key. A value
// that does not decode is returned as a malformed error.
func LoadJSON(ctx context.Context, kv KeyValueStore, key string, v any) (bool, error) {
	data, err := kv.Load(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, ErrBadRecord.WithDetails(fmt.Sprintf("%s: %v", key, err))
	}
	return true, nil
}

// Export writes every key under prefix to w as a snappy stream of
// length-prefixed key/value frames. Returns the number of records written.
func Export(ctx context.Context, kv KeyValueStore, prefix string, w io.Writer) (int, error) {
	keys, err := kv.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	gw := snappy.NewBufferedWriter(w)
	n := 0
	for _, k := range keys {
		v, err := kv.Load(ctx, k)
		if errors.Is(err, ErrNotFound) {
			continue // deleted since List
		}
		if err != nil {
			_ = gw.Close()
			return n, err
		}
		if err := writeFrame(gw, []byte(k)); err != nil {
			_ = gw.Close()
			return n, err
		}
		if err := writeFrame(gw, v); err != nil {
			_ = gw.Close()
			return n, err
		}
		n++
	}
	return n, gw.Close()
}

// Import reads a stream produced by Export and saves every record.
func Import(ctx context.Context, kv KeyValueStore, r io.Reader) (int, error) {
	gr := snappy.NewReader(r)
	n := 0
	for {
		key, err := readFrame(gr)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, ErrBadBackup.WithDetails(err.Error())
		}
		value, err := readFrame(gr)
		if err != nil {
			return n, ErrBadBackup.WithDetails("record without value")
		}
		if err := kv.Save(ctx, string(key), value); err != nil {
			return n, err
		}
		n++
	}
}

const maxFrame = 64 << 20

func writeFrame(w io.Writer, data []byte) error {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	l := binary.BigEndian.Uint64(lenBuf[:])
	if l > maxFrame {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", l)
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
