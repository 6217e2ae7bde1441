package ratelimit

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// Bucket names. Each endpoint class gets its own independent budget.
const (
	BucketAuth    = "auth"
	BucketUpload  = "upload"
	BucketMessage = "message"
)

// Buckets groups the standard limiters guarding the public surface.
type Buckets struct {
	Auth    *Limiter
	Upload  *Limiter
	Message *Limiter
}

// NewBuckets builds the standard bucket set. Only the submission path fails
// open; auth and upload reject on backend errors.
func NewBuckets(rdb *redis.Client, message, auth, upload Policy, messageFailOpen bool) *Buckets {
	return &Buckets{
		Auth:    New(rdb, BucketAuth, auth, false),
		Upload:  New(rdb, BucketUpload, upload, false),
		Message: New(rdb, BucketMessage, message, messageFailOpen),
	}
}

// Default policies, tune per deployment.
func DefaultMessagePolicy() Policy { return Policy{Points: 20, Window: time.Minute} }
func DefaultAuthPolicy() Policy    { return Policy{Points: 10, Window: 15 * time.Minute} }
func DefaultUploadPolicy() Policy  { return Policy{Points: 10, Window: time.Minute} }
