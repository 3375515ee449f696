// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package kss stores large files outside of the service's own disk.
//
// The certificate service uses it to mirror device archives to AWS S3, so
// that operators can hand out time-limited download links instead of
// streaming archives through the API.
package kss

import (
	"context"
	"time"
)

// Driver defines the interface for the KSS service
type Driver interface {
	// Upload stores data under key, replacing an existing object
	Upload(ctx context.Context, key string, data []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// PreSignedGetURL returns a URL that can be used to download key until expireIn has passed
	PreSignedGetURL(ctx context.Context, key string, expireIn time.Duration) (string, error)
}

// S3Configuration contains the configuration for the AWS S3 KSS service
type S3Configuration struct {
	AWSRegion     string
	AWSBucketName string
	// KeyPrefix is prepended to every key
	KeyPrefix string
	// AccessID and AccessKey are optional static credentials. Without them the
	// default AWS credential chain is used.
	AccessID  string
	AccessKey string
}
