package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return NewRedis(rdb, "csrf", "tab-1"), mr, rdb
}

func sampleRecord() Record {
	return Record{
		Token:      "abc",
		ExpiresAt:  time.UnixMilli(time.Now().Add(time.Hour).UnixMilli()),
		HeaderName: "x-csrf-token",
		CookieName: "__csrf_token",
	}
}

func TestRecordValidity(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := Record{Token: "t", ExpiresAt: now.Add(10 * time.Minute)}

	if !r.Valid(now) {
		t.Fatal("expected record to be valid before expiry")
	}
	if r.NearingExpiry(now, 5*time.Minute) {
		t.Fatal("record with 10m left should not be nearing a 5m threshold")
	}
	if !r.NearingExpiry(now.Add(6*time.Minute), 5*time.Minute) {
		t.Fatal("record with 4m left should be nearing a 5m threshold")
	}
	if r.Valid(r.ExpiresAt) {
		t.Fatal("record must be invalid at its expiry instant")
	}
	if got := r.Remaining(now.Add(time.Hour)); got != 0 {
		t.Fatalf("expected zero remaining after expiry, got %v", got)
	}
	if (Record{ExpiresAt: now.Add(time.Hour)}).Valid(now) {
		t.Fatal("record without a token must not be valid")
	}
}

func TestDecodeRejectsPartialGroups(t *testing.T) {
	full := Encode(sampleRecord())
	for _, missing := range Keys {
		values := make(map[string]string, len(full))
		for k, v := range full {
			if k != missing {
				values[k] = v
			}
		}
		if _, err := Decode(values); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound without %s, got %v", missing, err)
		}
	}

	bad := Encode(sampleRecord())
	bad[KeyExpiry] = "soon"
	if _, err := Decode(bad); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unparsable expiry, got %v", err)
	}
}

func TestEncodeDecodePreservesMilliseconds(t *testing.T) {
	in := sampleRecord()
	out, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !out.ExpiresAt.Equal(in.ExpiresAt) || out.Token != in.Token || out.HeaderName != in.HeaderName || out.CookieName != in.CookieName {
		t.Fatalf("round trip mismatch: in=%+v out=%+v", in, out)
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if _, err := s.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty store, got %v", err)
	}
	if err := s.Save(ctx, sampleRecord()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if got, err := s.Load(ctx); err != nil || got.Token != "abc" {
		t.Fatalf("Load = %+v, %v", got, err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if raw := s.Raw(); raw != nil {
		t.Fatalf("expected no keys after Clear, got %v", raw)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("second Clear failed: %v", err)
	}
}

func TestMemoryStorePartialGroupIsAbsent(t *testing.T) {
	s := NewMemory()
	s.Put(map[string]string{KeyToken: "abc"})
	if _, err := s.Load(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for token without expiry, got %v", err)
	}
}

func TestRedisStoreSaveLoadClear(t *testing.T) {
	ctx := context.Background()
	s, mr, _ := newRedisStore(t)

	if _, err := s.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty redis, got %v", err)
	}

	in := sampleRecord()
	if err := s.Save(ctx, in); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !mr.Exists(s.Key()) {
		t.Fatalf("expected key %s to exist", s.Key())
	}
	if got := mr.HGet(s.Key(), KeyHeaderName); got != "x-csrf-token" {
		t.Fatalf("expected header name field, got %q", got)
	}
	if ttl := mr.TTL(s.Key()); ttl <= 0 {
		t.Fatalf("expected record hash to carry a ttl, got %v", ttl)
	}

	out, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if out.Token != in.Token || !out.ExpiresAt.Equal(in.ExpiresAt) {
		t.Fatalf("loaded %+v, want %+v", out, in)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if mr.Exists(s.Key()) {
		t.Fatal("expected key to be deleted")
	}
}

func TestRedisStoreSaveReplacesWholeGroup(t *testing.T) {
	ctx := context.Background()
	s, mr, _ := newRedisStore(t)

	mr.HSet(s.Key(), "stale_field", "x")
	if err := s.Save(ctx, sampleRecord()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if mr.HGet(s.Key(), "stale_field") != "" {
		t.Fatal("expected Save to replace the hash, stale field survived")
	}
}

func TestRedisStorePartialHashIsAbsent(t *testing.T) {
	s, mr, _ := newRedisStore(t)
	mr.HSet(s.Key(), KeyToken, "abc")

	if _, err := s.Load(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for partial hash, got %v", err)
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	s, mr, _ := newRedisStore(t)
	mr.Close()

	if _, err := s.Load(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if err := s.Save(context.Background(), sampleRecord()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on Save, got %v", err)
	}
}

func TestNewRedisDefaultsPrefix(t *testing.T) {
	s := NewRedis(nil, "  ", "tab")
	if s.Key() != "csrf:tab" {
		t.Fatalf("unexpected key %q", s.Key())
	}
}
