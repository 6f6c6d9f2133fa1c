package config

import (
	"os"
	"strings"
)

func envFlag(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// UseContractCache puts the redis read-through cache in front of MySQL.
//
// Set via env:
// - CONTRACT_CACHE=true
func UseContractCache() bool {
	return envFlag("CONTRACT_CACHE")
}

// UseDistributedContractLocks serializes contract mutations across instances
// with redislock on top of the in-process lock.
//
// Set via env:
// - CONTRACT_DISTRIBUTED_LOCKS=true
func UseDistributedContractLocks() bool {
	return envFlag("CONTRACT_DISTRIBUTED_LOCKS")
}

// UseRedisVerificationCodes keeps one-time codes in redis instead of process memory.
//
// Set via env:
// - VERIFICATION_CODES_IN_REDIS=true
func UseRedisVerificationCodes() bool {
	return envFlag("VERIFICATION_CODES_IN_REDIS")
}

// VerifyDocumentObjects checks that attached document urls exist in cloud storage.
//
// Set via env:
// - VERIFY_DOCUMENT_OBJECTS=true
func VerifyDocumentObjects() bool {
	return envFlag("VERIFY_DOCUMENT_OBJECTS")
}
