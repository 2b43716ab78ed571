package blobcache

import (
	"bytes"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func testHash(b byte) string {
	return strings.Repeat(fmt.Sprintf("%02x", b), 32)
}

func TestRoundTripsSmallAndLargeBlobs(t *testing.T) {
	s := openStore(t)

	small := []byte("%PDF-1.4 tiny")
	large := bytes.Repeat([]byte("REWE SAGT DANKE. BITTE BELEG AUFBEWAHREN. "), 200)

	require.NoError(t, s.Put(testHash(0xaa), small))
	require.NoError(t, s.Put(testHash(0xbb), large))

	got, ok := s.Get(testHash(0xaa))
	require.True(t, ok)
	assert.Equal(t, small, got)

	got, ok = s.Get(testHash(0xbb))
	require.True(t, ok)
	assert.Equal(t, large, got)

	stats := s.Stats()
	assert.Equal(t, int64(2), stats.Puts)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(0), stats.Misses)
}

func TestGetMissesUnknownHash(t *testing.T) {
	s := openStore(t)

	got, ok := s.Get(testHash(0x01))
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.False(t, s.Has(testHash(0x01)))
	assert.Equal(t, int64(1), s.Stats().Misses)
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	first, err := Open(Config{Path: dir}, nil)
	require.NoError(t, err)

	large := bytes.Repeat([]byte("Hausratversicherung Beitragsrechnung 2025 "), 100)
	require.NoError(t, first.Put(testHash(0xcc), large))
	require.NoError(t, first.Close())

	second, err := Open(Config{Path: dir}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, second.Close()) })

	// Fresh hot cache, so this read has to decode from disk.
	got, ok := second.Get(testHash(0xcc))
	require.True(t, ok)
	assert.Equal(t, large, got)
	assert.Equal(t, int64(0), second.Stats().HotHits)
	assert.True(t, second.Has(testHash(0xcc)))
}

func TestEncodeChoosesCompressionByContent(t *testing.T) {
	tiny := []byte("too small to bother")
	repetitive := bytes.Repeat([]byte("0.00 EUR "), 100)
	random := make([]byte, 4096)
	rand.New(rand.NewSource(42)).Read(random)

	assert.Equal(t, byte(flagRaw), encode(tiny)[0])
	assert.Equal(t, byte(flagLZ4), encode(repetitive)[0])
	assert.Equal(t, byte(flagRaw), encode(random)[0])

	for _, blob := range [][]byte{tiny, repetitive, random} {
		got, err := decode(encode(blob))
		require.NoError(t, err)
		assert.Equal(t, blob, got)
	}

	assert.Less(t, len(encode(repetitive)), len(repetitive))
}

func TestDecodeRejectsCorruptRecords(t *testing.T) {
	cases := map[string][]byte{
		"too short":       {flagRaw, 1, 0},
		"length mismatch": {flagRaw, 9, 0, 0, 0, 'x'},
		"unknown flag":    {7, 1, 0, 0, 0, 'x'},
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decode(value)
			assert.Error(t, err)
		})
	}
}

func TestCorruptDiskRecordCountsAsMiss(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.db.Set([]byte(testHash(0xdd)), []byte{flagLZ4, 0xff}, pebble.NoSync))

	got, ok := s.Get(testHash(0xdd))
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.Equal(t, int64(1), s.Stats().Misses)
}

func TestHotLayerServesRepeatReads(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Put(testHash(0xee), []byte("scan.pdf bytes")))

	for i := 0; i < 3; i++ {
		_, ok := s.Get(testHash(0xee))
		require.True(t, ok)
	}
	stats := s.Stats()
	assert.Equal(t, int64(3), stats.Hits)
	assert.Equal(t, int64(3), stats.HotHits)
}

func TestNilStoreIsInert(t *testing.T) {
	var s *Store

	got, ok := s.Get(testHash(0x0f))
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.NoError(t, s.Put(testHash(0x0f), []byte("x")))
	assert.False(t, s.Has(testHash(0x0f)))
	assert.Equal(t, Stats{}, s.Stats())
	assert.NoError(t, s.Close())
}
