package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		encoding string
		payload  []byte
		want     string
	}{
		{"", []byte("héllo"), "héllo"},
		{"utf8", []byte("héllo"), "héllo"},
		{"UTF-8", []byte("plain"), "plain"},
		{"raw", []byte("raw"), "raw"},
		{"ascii", []byte{0xe9, 'a'}, "ia"},
		{"latin1", []byte{0xe9}, "é"},
		{"binary", []byte{0xfc}, "ü"},
		{"base64", []byte("hello"), "aGVsbG8="},
		{"hex", []byte{0xde, 0xad}, "dead"},
		{"ucs2", []byte{'h', 0, 'i', 0}, "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.encoding, func(t *testing.T) {
			got, err := DecodePayload(tt.payload, tt.encoding)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodePayloadUnknownEncoding(t *testing.T) {
	_, err := DecodePayload([]byte("x"), "rot13")
	assert.EqualError(t, err, `unknown encoding "rot13"`)
}

func TestNormalizeEncoding(t *testing.T) {
	got, ok := NormalizeEncoding(" Binary ")
	assert.True(t, ok)
	assert.Equal(t, "latin1", got)

	_, ok = NormalizeEncoding("utf32")
	assert.False(t, ok)
}
