package jmap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandTemplate(t *testing.T) {
	tests := []struct {
		name     string
		template string
		vars     map[string]string
		want     string
	}{
		{
			"literal braces",
			"https://s.example/upload/{accountId}",
			map[string]string{"accountId": "acc1"},
			"https://s.example/upload/acc1",
		},
		{
			"percent encoded braces",
			"https://s.example/download/%7BaccountId%7D/%7BblobId%7D",
			map[string]string{"accountId": "acc1", "blobId": "b9"},
			"https://s.example/download/acc1/b9",
		},
		{
			"lowercase percent encoding",
			"https://s.example/%7baccountId%7d",
			map[string]string{"accountId": "acc1"},
			"https://s.example/acc1",
		},
		{
			"value escaped for path",
			"https://s.example/{name}",
			map[string]string{"name": "a b/c"},
			"https://s.example/a%20b%2Fc",
		},
		{
			"unknown placeholder untouched",
			"https://s.example/{other}",
			map[string]string{"accountId": "acc1"},
			"https://s.example/{other}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expandTemplate(tt.template, tt.vars))
		})
	}
}

func TestBlobUploadDownloadRoundTrip(t *testing.T) {
	f := newFakeJMAP(t)
	client := f.client()
	ctx := context.Background()

	content := []byte("require [\"fileinto\"];\n")
	info, err := client.UploadBlob(ctx, f.creds(), "acc1", "application/sieve", content)
	require.NoError(t, err)
	assert.NotEmpty(t, info.BlobID)
	assert.Equal(t, int64(len(content)), info.Size)
	assert.Equal(t, "application/sieve", info.Type)

	got, err := client.DownloadBlob(ctx, f.creds(), "acc1", info.BlobID, "script.sieve")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadUnknownBlob(t *testing.T) {
	f := newFakeJMAP(t)
	client := f.client()

	_, err := client.DownloadBlob(context.Background(), f.creds(), "acc1", "missing", "")
	require.Error(t, err)
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, 404, he.Status)
}
