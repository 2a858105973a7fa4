package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const azuriteConnectionString = "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;" +
	"AccountKey=Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==;" +
	"BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1"

func TestParseAccount(t *testing.T) {
	acct, err := parseAccount(azuriteConnectionString)
	require.NoError(t, err)
	assert.Equal(t, "devstoreaccount1", acct.name)
	assert.Equal(t, "http://127.0.0.1:10000/devstoreaccount1", acct.endpoint)
	// Account keys are base64 and contain '='; only the first '=' splits.
	assert.Contains(t, acct.key, "==")
	assert.True(t, acct.insecure())
}

func TestParseAccountDefaultsEndpoint(t *testing.T) {
	acct, err := parseAccount("AccountName=prod;AccountKey=abc")
	require.NoError(t, err)
	assert.Equal(t, "https://prod.blob.core.windows.net", acct.endpoint)
	assert.False(t, acct.insecure())
}

func TestParseAccountRejectsIncomplete(t *testing.T) {
	_, err := parseAccount("")
	require.Error(t, err)

	_, err = parseAccount("AccountName=only")
	require.Error(t, err)
}

func TestNewBlobPayloadStore(t *testing.T) {
	_, err := NewBlobPayloadStore("", "c", zap.NewNop())
	require.Error(t, err)

	store, err := NewBlobPayloadStore(azuriteConnectionString, "payloads", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:10000/devstoreaccount1", store.endpoint)
	assert.Equal(t, "payloads", store.container)

	store, err = NewBlobPayloadStore(azuriteConnectionString, "", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, defaultContainer, store.container)
}

func TestBlobPath(t *testing.T) {
	store, err := NewBlobPayloadStore(azuriteConnectionString, "payloads", zap.NewNop())
	require.NoError(t, err)

	path, err := store.blobPath("http://127.0.0.1:10000/devstoreaccount1/payloads/run1/node1.json")
	require.NoError(t, err)
	assert.Equal(t, "run1/node1.json", path)

	// SAS tokens and other query noise are dropped.
	path, err = store.blobPath("http://127.0.0.1:10000/devstoreaccount1/payloads/run1/node1.json?sv=2023&sig=x")
	require.NoError(t, err)
	assert.Equal(t, "run1/node1.json", path)

	_, err = store.blobPath("")
	require.Error(t, err)
}
