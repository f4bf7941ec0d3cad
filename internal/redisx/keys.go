package redisx

import "time"

// Dedup for provider callbacks: dedup:callback:{provider}:{ref}:{status}.
// Fast path only; the conditional update on orders is the source of truth.
const KeyCallbackDedup = "dedup:callback:%s"

var TTLCallbackDedup = 48 * time.Hour
