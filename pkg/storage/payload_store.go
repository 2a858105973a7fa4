// Package storage offloads oversized task payloads to Azure Blob Storage.
// Resolved node parameters can exceed what is reasonable to inline in a
// task message; the coordinator uploads them and ships a reference, and the
// worker downloads before executing. Runs without a configured connection
// string never touch this package.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"go.uber.org/zap"
)

// OffloadThreshold is the serialized-params size above which the
// coordinator offloads instead of inlining.
const OffloadThreshold = 1 << 20

// defaultContainer holds payloads when no container name is configured.
const defaultContainer = "daedalus-payloads"

// PayloadStore stores and retrieves task payloads by URL.
type PayloadStore interface {
	UploadPayload(ctx context.Context, path string, data []byte) (string, error)
	DownloadPayload(ctx context.Context, url string) ([]byte, error)
}

// account is the subset of an Azure connection string the store needs.
type account struct {
	name     string
	key      string
	endpoint string
}

// parseAccount extracts credentials and the blob endpoint from a standard
// `Key=Value;Key=Value` connection string. Unknown fields are ignored;
// values may themselves contain '=' (account keys are base64), so only the
// first '=' splits.
func parseAccount(connectionString string) (account, error) {
	var acct account
	for _, field := range strings.Split(connectionString, ";") {
		key, val, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok || val == "" {
			continue
		}
		switch key {
		case "AccountName":
			acct.name = val
		case "AccountKey":
			acct.key = val
		case "BlobEndpoint":
			acct.endpoint = strings.TrimRight(val, "/")
		}
	}
	if acct.name == "" || acct.key == "" {
		return account{}, errors.New("connection string must carry AccountName and AccountKey")
	}
	if acct.endpoint == "" {
		acct.endpoint = "https://" + acct.name + ".blob.core.windows.net"
	}
	return acct, nil
}

// insecure reports whether the endpoint speaks plain HTTP, which the SDK
// refuses for credentialed requests unless told otherwise. Local Azurite
// endpoints are the expected case.
func (a account) insecure() bool {
	return strings.HasPrefix(strings.ToLower(a.endpoint), "http://")
}

// BlobPayloadStore implements PayloadStore against Azure Blob Storage with
// shared-key auth.
type BlobPayloadStore struct {
	client    *azblob.Client
	endpoint  string
	container string
	logger    *zap.Logger

	initOnce sync.Once
	initErr  error
}

// NewBlobPayloadStore builds a store from a standard Azure connection
// string.
func NewBlobPayloadStore(connectionString, containerName string, logger *zap.Logger) (*BlobPayloadStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if containerName == "" {
		containerName = defaultContainer
	}

	acct, err := parseAccount(connectionString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	credential, err := azblob.NewSharedKeyCredential(acct.name, acct.key)
	if err != nil {
		return nil, fmt.Errorf("build shared-key credential: %w", err)
	}

	opts := &azblob.ClientOptions{}
	opts.InsecureAllowCredentialWithHTTP = acct.insecure()
	client, err := azblob.NewClientWithSharedKeyCredential(acct.endpoint, credential, opts)
	if err != nil {
		return nil, fmt.Errorf("build blob client: %w", err)
	}

	return &BlobPayloadStore{
		client:    client,
		endpoint:  acct.endpoint,
		container: containerName,
		logger:    logger,
	}, nil
}

// UploadPayload writes data under path and returns the blob URL.
func (s *BlobPayloadStore) UploadPayload(ctx context.Context, path string, data []byte) (string, error) {
	if err := s.init(ctx); err != nil {
		return "", err
	}

	blobClient := s.blockBlob(path)
	_, err := blobClient.UploadBuffer(ctx, data, &blockblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr("application/json"),
		},
	})
	if err != nil {
		s.logger.Error("payload upload failed",
			zap.String("path", path),
			zap.Int("size_bytes", len(data)),
			zap.Error(err))
		return "", fmt.Errorf("payload upload failed: %w", err)
	}

	s.logger.Debug("payload uploaded",
		zap.String("path", path),
		zap.Int("size_bytes", len(data)))
	return blobClient.URL(), nil
}

// DownloadPayload fetches a payload previously uploaded by UploadPayload.
func (s *BlobPayloadStore) DownloadPayload(ctx context.Context, blobURL string) ([]byte, error) {
	path, err := s.blobPath(blobURL)
	if err != nil {
		return nil, err
	}

	resp, err := s.blob(path).DownloadStream(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("payload download failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// init creates the container on first use. Creation races and re-creation
// both collapse to success; any real failure is sticky and reported to
// every caller.
func (s *BlobPayloadStore) init(ctx context.Context) error {
	s.initOnce.Do(func() {
		_, err := s.client.CreateContainer(ctx, s.container, nil)
		if err != nil && !isContainerExists(err) {
			s.initErr = fmt.Errorf("create container %q: %w", s.container, err)
		}
	})
	return s.initErr
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.ErrorCode == "ContainerAlreadyExists"
	}
	return strings.Contains(strings.ToLower(err.Error()), "containeralreadyexists")
}

func (s *BlobPayloadStore) blob(path string) *blob.Client {
	return s.client.ServiceClient().
		NewContainerClient(s.container).
		NewBlobClient(path)
}

func (s *BlobPayloadStore) blockBlob(path string) *blockblob.Client {
	return s.client.ServiceClient().
		NewContainerClient(s.container).
		NewBlockBlobClient(path)
}

// blobPath recovers the container-relative path from a full blob URL,
// tolerating Azurite-style endpoints that carry the account name as a path
// segment. Query strings (SAS tokens and the like) are dropped.
func (s *BlobPayloadStore) blobPath(rawURL string) (string, error) {
	if strings.TrimSpace(rawURL) == "" {
		return "", errors.New("blob URL is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse blob URL %q: %w", rawURL, err)
	}
	base, err := url.Parse(s.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", s.endpoint, err)
	}

	path := strings.TrimPrefix(u.Path, base.Path)
	path = strings.TrimPrefix(path, "/")
	path = strings.TrimPrefix(path, s.container+"/")
	if path == "" {
		return "", fmt.Errorf("cannot extract blob path from %q", rawURL)
	}
	return path, nil
}
