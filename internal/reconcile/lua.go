package reconcile

// ─────────────────────────────────────────────
// Lua Scripts for Atomic Redis Operations
// ─────────────────────────────────────────────

// LuaReleaseLock deletes a job lock only if it still holds the caller's
// token, so a run that outlived its lease cannot free a successor's lock.
//
// KEYS[1] = lock:job:{name}  (string)
// ARGV[1] = token
//
// Returns: 1 when released, 0 when the lock belongs to someone else or is gone.
const LuaReleaseLock = `
local lockKey = KEYS[1]
local token   = ARGV[1]

if redis.call("GET", lockKey) == token then
    return redis.call("DEL", lockKey)
end
return 0
`

// LuaExtendLock pushes back the expiry of a lock the caller still holds.
//
// KEYS[1] = lock:job:{name}  (string)
// ARGV[1] = token
// ARGV[2] = ttl (milliseconds)
//
// Returns: 1 when extended, 0 otherwise.
const LuaExtendLock = `
local lockKey = KEYS[1]
local token   = ARGV[1]
local ttl     = tonumber(ARGV[2])

if redis.call("GET", lockKey) == token then
    return redis.call("PEXPIRE", lockKey, ttl)
end
return 0
`
