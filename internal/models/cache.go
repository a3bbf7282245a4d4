package models

import "time"

type CacheClass string

const (
	CacheResponse    CacheClass = "response"
	CacheEmbedding   CacheClass = "embedding"
	CacheRetrieval   CacheClass = "retrieval"
	CacheToolResult  CacheClass = "tool_result"
	CachePolicyCheck CacheClass = "policy_check"
	CacheWebSearch   CacheClass = "web_search"
)

func CacheClasses() []CacheClass {
	return []CacheClass{CacheResponse, CacheEmbedding, CacheRetrieval, CacheToolResult, CachePolicyCheck, CacheWebSearch}
}

type CacheEntry struct {
	Class     CacheClass    `json:"cache_class"`
	KeyHash   string        `json:"key_hash"`
	Payload   []byte        `json:"payload"`
	CreatedAt time.Time     `json:"created_at"`
	TTL       time.Duration `json:"ttl"`
	HitCount  int64         `json:"hit_count"`
}

func (e *CacheEntry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// Expired reports whether now is at or past CreatedAt+TTL.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}
