package compression

import (
	"bytes"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
)

func TestGzipConcat_RoundTrip(t *testing.T) {
	parts := [][]byte{[]byte("alpha"), []byte("-"), []byte("beta"), nil, []byte("gamma")}

	for _, level := range []Level{LevelDefault, GzipBestSpeed, GzipBestCompression} {
		data, err := GzipConcat(parts, level)
		if err != nil {
			t.Fatalf("level %d: GzipConcat() error: %v", level, err)
		}
		if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
			t.Fatalf("level %d: output is not a gzip stream", level)
		}
		got, err := Gunzip(data)
		if err != nil {
			t.Fatalf("level %d: Gunzip() error: %v", level, err)
		}
		if string(got) != "alpha-betagamma" {
			t.Errorf("level %d: got %q", level, got)
		}
	}
}

type namedBytes []byte

func TestGzipConcat_NamedByteSlices(t *testing.T) {
	data, err := GzipConcat([]namedBytes{namedBytes("x"), namedBytes("y")}, LevelDefault)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := Gunzip(data)
	if string(got) != "xy" {
		t.Errorf("got %q", got)
	}
}

func TestGzipConcat_InvalidLevel(t *testing.T) {
	if _, err := GzipConcat([][]byte{[]byte("a")}, Level(42)); err == nil {
		t.Error("expected error for invalid level")
	}
}

func TestGzipConcat_Deterministic(t *testing.T) {
	payload := make([]byte, 64*1024)
	_, _ = rand.Read(payload)
	parts := [][]byte{payload, []byte("tail")}

	a, err := GzipConcat(parts, LevelDefault)
	if err != nil {
		t.Fatal(err)
	}
	b, err := GzipConcat(parts, LevelDefault)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("same input produced different gzip bytes")
	}
}

func TestGunzip_Invalid(t *testing.T) {
	if _, err := Gunzip([]byte("not gzip")); err == nil {
		t.Error("expected error")
	}
}

func TestGunzipLimit(t *testing.T) {
	data, err := GzipConcat([][]byte{bytes.Repeat([]byte("a"), 100)}, LevelDefault)
	if err != nil {
		t.Fatal(err)
	}
	got, err := GunzipLimit(data, 100)
	if err != nil || len(got) != 100 {
		t.Fatalf("at limit: len %d, err %v", len(got), err)
	}
	if _, err := GunzipLimit(data, 99); !errors.Is(err, ErrTooLarge) {
		t.Errorf("over limit: err = %v, want ErrTooLarge", err)
	}
	if _, err := GunzipLimit([]byte("not gzip"), 10); err == nil || errors.Is(err, ErrTooLarge) {
		t.Errorf("invalid stream: err = %v", err)
	}
}

func TestBufferPool_ActiveCount(t *testing.T) {
	before := Stats().BuffersActive
	buf := GetBuffer()
	buf.WriteString("x")
	if Stats().BuffersActive != before+1 {
		t.Errorf("active = %d, want %d", Stats().BuffersActive, before+1)
	}
	ReleaseBuffer(buf)
	if Stats().BuffersActive != before {
		t.Errorf("active = %d after release, want %d", Stats().BuffersActive, before)
	}

	again := GetBuffer()
	defer ReleaseBuffer(again)
	if again.Len() != 0 {
		t.Error("recycled buffer not reset")
	}
}

func TestGzipConcat_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			want := bytes.Repeat([]byte{byte('a' + id)}, 1000)
			data, err := GzipConcat([][]byte{want}, GzipBestSpeed)
			if err != nil {
				t.Error(err)
				return
			}
			got, err := Gunzip(data)
			if err != nil || !bytes.Equal(got, want) {
				t.Errorf("worker %d: mismatch (err=%v)", id, err)
			}
		}(i)
	}
	wg.Wait()
}
