package chunk

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteSliceProvider(t *testing.T) {
	chunks := [][]byte{
		[]byte("first chunk"),
		[]byte("second chunk with more data"),
		[]byte("third"),
	}

	provider := NewByteSliceProvider(chunks)

	require.Equal(t, 3, provider.NumChunks())
	assert.Equal(t, Range{Start: 11, End: 38}, provider.Range(1))
	for i, want := range chunks {
		data, err := provider.Read(i)
		require.NoError(t, err)
		assert.Equal(t, want, data)
	}

	_, err := provider.Read(-1)
	assert.Error(t, err)
	_, err = provider.Read(3)
	assert.Error(t, err)
}

func TestReaderAtProvider(t *testing.T) {
	// Given
	testData := make([]byte, 100)
	for i := range testData {
		testData[i] = byte(i)
	}
	testFile := filepath.Join(t.TempDir(), "test.bin")
	require.NoError(t, os.WriteFile(testFile, testData, 0644))

	f, err := os.Open(testFile)
	require.NoError(t, err)
	defer f.Close()

	// When
	provider, err := NewReaderAtProvider(f, int64(len(testData)), 30)

	// Then
	require.NoError(t, err)
	require.Equal(t, 4, provider.NumChunks())

	var joined []byte
	for i := 0; i < provider.NumChunks(); i++ {
		data, err := provider.Read(i)
		require.NoError(t, err)
		assert.Equal(t, provider.Range(i).Len(), int64(len(data)))
		joined = append(joined, data...)
	}
	assert.Equal(t, testData, joined)

	last, err := provider.Read(3)
	require.NoError(t, err)
	assert.Equal(t, testData[90:], last)
}

func TestReaderAtProvider_ShortRead(t *testing.T) {
	// Given a source that is shorter than the declared size
	provider, err := NewReaderAtProvider(bytes.NewReader([]byte("abc")), 10, 4)
	require.NoError(t, err)

	// When
	first, err := provider.Read(0)
	require.Error(t, err)
	_, lastErr := provider.Read(2)

	// Then
	assert.Nil(t, first)
	assert.True(t, errors.Is(err, ErrFileRead))
	assert.ErrorIs(t, lastErr, ErrFileRead)
}
