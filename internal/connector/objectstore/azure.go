package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureStore talks to Blob Storage. ADLS Gen2 accounts are addressed through
// the same Blob endpoint.
type AzureStore struct {
	client *azblob.Client
}

// NewAzureStoreFromConnectionString authenticates with an account key
// connection string.
func NewAzureStoreFromConnectionString(connectionString string) (*AzureStore, error) {
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("azblob client: %w", err)
	}
	return &AzureStore{client: client}, nil
}

// NewAzureStoreWithSAS authenticates with a service URL carrying a SAS token.
func NewAzureStoreWithSAS(serviceURL string) (*AzureStore, error) {
	client, err := azblob.NewClientWithNoCredential(serviceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("azblob client: %w", err)
	}
	return &AzureStore{client: client}, nil
}

func (s *AzureStore) Get(ctx context.Context, container, key string) (io.ReadCloser, ObjectInfo, error) {
	resp, err := s.client.DownloadStream(ctx, container, key, nil)
	if err != nil {
		return nil, ObjectInfo{}, azureErr(err)
	}
	info := ObjectInfo{Key: key}
	if resp.ContentLength != nil {
		info.Size = *resp.ContentLength
	}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	if resp.LastModified != nil {
		info.LastModified = *resp.LastModified
	}
	return resp.Body, info, nil
}

func (s *AzureStore) Put(ctx context.Context, container, key string, body io.Reader, size int64, opts PutOptions) error {
	buf := bytes.NewBuffer(make([]byte, 0, size))
	if _, err := io.Copy(buf, body); err != nil {
		return fmt.Errorf("buffer upload: %w", err)
	}
	uploadOpts := &azblob.UploadBufferOptions{}
	if opts.ContentType != "" {
		contentType := opts.ContentType
		uploadOpts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}
	if opts.IfMatch != "" {
		etag := azcore.ETag(opts.IfMatch)
		uploadOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: &etag},
		}
	}
	_, err := s.client.UploadBuffer(ctx, container, key, buf.Bytes(), uploadOpts)
	return azureErr(err)
}

func azureErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case bloberror.HasCode(err, bloberror.ConditionNotMet, bloberror.LeaseIDMissing, bloberror.LeaseAlreadyPresent):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
