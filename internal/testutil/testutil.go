// Package testutil holds helpers for integration tests against external
// backends. Tests using these helpers skip unless the matching environment
// variable is set, so the default `go test ./...` run stays hermetic.
package testutil

import (
	"os"
	"testing"
)

// RedisAddr returns the Redis address for integration tests, or skips the
// test if OFFLOAD_TEST_REDIS_ADDR is unset.
func RedisAddr(t *testing.T) string {
	t.Helper()

	addr := os.Getenv("OFFLOAD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set OFFLOAD_TEST_REDIS_ADDR to run Redis integration tests")
	}
	return addr
}

// MongoURI returns the MongoDB connection URI for integration tests, or
// skips the test if OFFLOAD_TEST_MONGO_URI is unset.
func MongoURI(t *testing.T) string {
	t.Helper()

	uri := os.Getenv("OFFLOAD_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("set OFFLOAD_TEST_MONGO_URI to run MongoDB integration tests")
	}
	return uri
}
